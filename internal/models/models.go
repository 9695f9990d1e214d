package models

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Method is the kind of mutation a queue item carries.
type Method string

const (
	MethodCreate Method = "CREATE"
	MethodUpdate Method = "UPDATE"
	MethodDelete Method = "DELETE"
)

// HTTPVerb maps a mutation kind to the verb sent to the server.
func (m Method) HTTPVerb() string {
	switch m {
	case MethodCreate:
		return "POST"
	case MethodUpdate:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	default:
		return ""
	}
}

// Valid reports whether m is one of the known methods.
func (m Method) Valid() bool {
	return m.HTTPVerb() != ""
}

// MethodFromVerb is the inverse of HTTPVerb. PATCH is treated as an update.
func MethodFromVerb(verb string) (Method, bool) {
	switch strings.ToUpper(verb) {
	case "POST":
		return MethodCreate, true
	case "PUT", "PATCH":
		return MethodUpdate, true
	case "DELETE":
		return MethodDelete, true
	default:
		return "", false
	}
}

// ItemStatus is the delivery state of a queue item.
type ItemStatus string

const (
	StatusPending         ItemStatus = "pending"
	StatusSyncing         ItemStatus = "syncing"
	StatusFailedRetryable ItemStatus = "failed_retryable"
	StatusDead            ItemStatus = "dead"
)

// Deliverable reports whether a sync run should attempt an item in this state.
func (s ItemStatus) Deliverable() bool {
	return s == StatusPending || s == StatusFailedRetryable || s == StatusSyncing
}

// ErrorKind classifies a delivery failure.
type ErrorKind string

const (
	ErrorTransient  ErrorKind = "transient"
	ErrorValidation ErrorKind = "validation"
	ErrorConflict   ErrorKind = "conflict"
)

// ItemError is the last failure recorded against a queue item.
type ItemError struct {
	Kind    ErrorKind `json:"kind"`
	Status  int       `json:"status,omitempty"` // HTTP status, 0 when no response
	Message string    `json:"message"`
}

// QueueItem is one pending mutation. Method, Endpoint, Payload, EntityRef and
// CreatedAt are fixed at enqueue time.
type QueueItem struct {
	ID        int64           `json:"id"`
	Method    Method          `json:"method"`
	Endpoint  string          `json:"endpoint"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EntityRef string          `json:"entity_ref,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
	LastError *ItemError      `json:"last_error,omitempty"`
	Status    ItemStatus      `json:"status"`
}

// ItemPatch lists the mutable fields of a queue item. Nil fields are left
// unchanged; ClearError resets LastError to NULL.
type ItemPatch struct {
	Status     *ItemStatus
	Attempts   *int
	LastError  *ItemError
	ClearError bool
}

// PatchStatus is shorthand for a status-only patch.
func PatchStatus(s ItemStatus) ItemPatch {
	return ItemPatch{Status: &s}
}

// CacheEntry is the last successful response for a read.
type CacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CacheKey builds the request signature for a read: the endpoint followed by
// its parameters sorted by name, so equivalent requests share a key.
func CacheKey(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteByte('?')
	for i, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// IDMapping links a client-minted temporary id to the id the server assigned.
type IDMapping struct {
	TempID    string    `json:"temp_id"`
	ServerID  string    `json:"server_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Trigger records what started a sync run.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerOnline  Trigger = "online"
	TriggerTimer   Trigger = "timer"
	TriggerStartup Trigger = "startup"
)

// SyncRun is one row of sync history.
type SyncRun struct {
	ID           int64      `json:"id"`
	Trigger      Trigger    `json:"trigger"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	SuccessCount int        `json:"success_count"`
	FailCount    int        `json:"fail_count"`
	DeadCount    int        `json:"dead_count"`
	Stopped      bool       `json:"stopped"`
	Error        string     `json:"error,omitempty"`
}
