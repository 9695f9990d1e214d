// Package offline wraps the API client so that writes survive a lost
// connection and reads fall back to the last good response.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/orchardlog/fieldsync/internal/apiclient"
	"github.com/orchardlog/fieldsync/internal/entityref"
	"github.com/orchardlog/fieldsync/internal/models"
)

var (
	// ErrInvalidEndpoint is returned for an empty or relative endpoint.
	ErrInvalidEndpoint = errors.New("endpoint must be an absolute path like /spray")
	// ErrPendingEntity is returned by a read that names a record created
	// offline and not yet synced, when nothing is cached for it.
	ErrPendingEntity = errors.New("record has not been synced yet")
)

// Requester performs one network call. *apiclient.Client satisfies it.
type Requester interface {
	Do(ctx context.Context, verb, endpoint string, body json.RawMessage) (json.RawMessage, error)
}

// QueueStore is the durable outbox.
type QueueStore interface {
	Enqueue(item *models.QueueItem) (int64, error)
}

// CacheStore holds the last good response per request signature.
type CacheStore interface {
	CachePut(key string, value json.RawMessage) error
	CacheGet(key string) (*models.CacheEntry, error)
}

// IDResolver maps temporary ids to server ids.
type IDResolver interface {
	ResolveID(tempID string) (string, bool, error)
}

// OnlineChecker reports the advisory connectivity belief.
type OnlineChecker interface {
	IsOnline() bool
}

// Config wires a Gateway.
type Config struct {
	Requester Requester
	Queue     QueueStore
	Cache     CacheStore
	IDs       IDResolver    // optional; nil disables temp id handling
	Monitor   OnlineChecker // optional
	Timeout   time.Duration // per call, default apiclient.DefaultTimeout
	// ShortCircuitOffline queues writes without trying the network while
	// Monitor reports offline.
	ShortCircuitOffline bool
	Logger              *slog.Logger
	// OnQueued, if set, is called after a write is durably queued.
	OnQueued func(item models.QueueItem)
}

// Gateway is the offline-aware front for reads and writes.
type Gateway struct {
	cfg    Config
	logger *slog.Logger
}

// NewGateway creates a gateway.
func NewGateway(cfg Config) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = apiclient.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{cfg: cfg, logger: cfg.Logger}
}

// Get reads endpoint. On any failure the cached response for the same
// request signature is returned instead; with no cache entry the original
// error is returned.
func (g *Gateway) Get(ctx context.Context, endpoint string, params url.Values) (Result, error) {
	if err := checkEndpoint(endpoint); err != nil {
		return Result{Outcome: Failed}, err
	}
	key := models.CacheKey(endpoint, params)

	path, pending, err := g.resolvePath(endpoint)
	if err != nil {
		return Result{Outcome: Failed}, err
	}

	var netErr error
	if pending {
		netErr = ErrPendingEntity
	} else {
		if len(params) > 0 {
			path += "?" + params.Encode()
		}
		data, err := g.send(ctx, http.MethodGet, path, nil)
		if err == nil {
			if len(data) > 0 {
				if err := g.cfg.Cache.CachePut(key, data); err != nil {
					g.logger.Warn("offline: cache put failed", "key", key, "err", err)
				}
			}
			return Result{Outcome: Delivered, Data: data}, nil
		}
		netErr = err
	}

	entry, err := g.cfg.Cache.CacheGet(key)
	if err != nil {
		g.logger.Warn("offline: cache read failed", "key", key, "err", err)
		return Result{Outcome: Failed}, netErr
	}
	if entry == nil {
		return Result{Outcome: Failed}, netErr
	}
	g.logger.Debug("offline: serving cached read", "key", key, "err", netErr)
	return Result{Outcome: FromCache, Data: entry.Value, CachedAt: entry.UpdatedAt}, nil
}

// Post creates a record.
func (g *Gateway) Post(ctx context.Context, endpoint string, body any) (Result, error) {
	return g.write(ctx, models.MethodCreate, endpoint, body)
}

// Put replaces a record.
func (g *Gateway) Put(ctx context.Context, endpoint string, body any) (Result, error) {
	return g.write(ctx, models.MethodUpdate, endpoint, body)
}

// Delete removes a record.
func (g *Gateway) Delete(ctx context.Context, endpoint string) (Result, error) {
	return g.write(ctx, models.MethodDelete, endpoint, nil)
}

func (g *Gateway) write(ctx context.Context, method models.Method, endpoint string, body any) (Result, error) {
	if err := checkEndpoint(endpoint); err != nil {
		return Result{Outcome: Failed}, err
	}
	payload, err := encodeBody(body)
	if err != nil {
		return Result{Outcome: Failed}, err
	}

	item := models.QueueItem{Method: method, Endpoint: endpoint, Payload: payload}
	if method == models.MethodCreate {
		item.EntityRef = entityref.New()
	} else {
		item.EntityRef = entityref.FromEndpoint(endpoint)
	}

	send, err := g.rewrite(endpoint, payload)
	if err != nil {
		return Result{Outcome: Failed}, err
	}
	if len(send.Unresolved) > 0 {
		g.logger.Debug("offline: write depends on unsynced record", "endpoint", endpoint, "refs", send.Unresolved)
		return g.enqueue(item, nil)
	}
	if g.cfg.ShortCircuitOffline && g.cfg.Monitor != nil && !g.cfg.Monitor.IsOnline() {
		return g.enqueue(item, nil)
	}

	data, err := g.send(ctx, method.HTTPVerb(), send.Endpoint, send.Payload)
	if err == nil {
		return Result{Outcome: Delivered, Data: data}, nil
	}
	// A misconfigured client would queue every write forever.
	if errors.Is(err, apiclient.ErrBadBaseURL) {
		return Result{Outcome: Failed}, err
	}
	if apiclient.IsTransient(err) {
		g.logger.Debug("offline: write failed, queueing", "method", string(method), "endpoint", endpoint, "err", err)
		return g.enqueue(item, err)
	}
	return Result{Outcome: Failed}, err
}

func (g *Gateway) enqueue(item models.QueueItem, cause error) (Result, error) {
	id, err := g.cfg.Queue.Enqueue(&item)
	if err != nil {
		// Claiming success for a write that was never persisted loses data.
		if cause != nil {
			return Result{Outcome: Failed}, fmt.Errorf("queue write after %v: %w", cause, err)
		}
		return Result{Outcome: Failed}, fmt.Errorf("queue write: %w", err)
	}
	g.logger.Info("offline: write queued", "queue_id", id, "method", string(item.Method), "endpoint", item.Endpoint)
	if g.cfg.OnQueued != nil {
		g.cfg.OnQueued(item)
	}
	return Result{
		Outcome:   Queued,
		Data:      acknowledgement(item),
		QueueID:   id,
		EntityRef: item.EntityRef,
	}, nil
}

func (g *Gateway) send(ctx context.Context, verb, endpoint string, body json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return g.cfg.Requester.Do(ctx, verb, endpoint, body)
}

func (g *Gateway) rewrite(endpoint string, payload json.RawMessage) (entityref.Rewritten, error) {
	if g.cfg.IDs == nil {
		return entityref.Rewritten{Endpoint: endpoint, Payload: payload}, nil
	}
	out, err := entityref.Rewrite(endpoint, payload, g.cfg.IDs.ResolveID)
	if err != nil {
		return entityref.Rewritten{}, fmt.Errorf("resolve temporary ids: %w", err)
	}
	return out, nil
}

// resolvePath rewrites temp ids in a read path and reports whether any are
// still unknown to the server.
func (g *Gateway) resolvePath(endpoint string) (string, bool, error) {
	out, err := g.rewrite(endpoint, nil)
	if err != nil {
		return "", false, err
	}
	return out.Endpoint, len(out.Unresolved) > 0, nil
}

func checkEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" || !strings.HasPrefix(endpoint, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}
	return nil
}

func encodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return validJSON(b)
	case []byte:
		return validJSON(b)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return data, nil
}

func validJSON(b []byte) (json.RawMessage, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if !json.Valid(b) {
		return nil, errors.New("encode body: not valid JSON")
	}
	return json.RawMessage(b), nil
}

// acknowledgement synthesizes the response the caller sees for a queued
// write: the submitted object, the temp id for a create, and queue markers.
func acknowledgement(item models.QueueItem) json.RawMessage {
	doc := map[string]any{}
	if len(item.Payload) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(item.Payload, &obj); err == nil && obj != nil {
			doc = obj
		} else {
			doc["data"] = item.Payload
		}
	}
	if item.Method == models.MethodCreate {
		doc["id"] = item.EntityRef
	}
	doc["_queued"] = true
	doc["_queue_id"] = item.ID
	data, _ := json.Marshal(doc)
	return data
}
