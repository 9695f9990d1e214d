// Package entityref mints temporary ids for records created offline and
// rewrites them to server ids once those are known.
package entityref

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix marks a client-minted id the server has never seen.
const Prefix = "tmp-"

// New returns a fresh temporary id.
func New() string {
	return Prefix + uuid.NewString()
}

// IsTemp reports whether s is a temporary id.
func IsTemp(s string) bool {
	return strings.HasPrefix(s, Prefix) && len(s) > len(Prefix)
}

// FromEndpoint returns the last path segment of endpoint, ignoring any query.
func FromEndpoint(endpoint string) string {
	path, _, _ := strings.Cut(endpoint, "?")
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Resolver looks up the server id for a temporary id.
type Resolver func(tempID string) (serverID string, ok bool, err error)

// Rewritten is the result of Rewrite.
type Rewritten struct {
	Endpoint   string
	Payload    json.RawMessage
	Unresolved []string
}

// Rewrite replaces temporary ids in endpoint path segments and in payload
// string values. Temp ids the resolver does not know are listed in
// Unresolved and left in place. The inputs are not modified.
func Rewrite(endpoint string, payload json.RawMessage, resolve Resolver) (Rewritten, error) {
	out := Rewritten{Endpoint: endpoint, Payload: payload}
	seen := make(map[string]bool)
	lookup := func(id string) (string, error) {
		serverID, ok, err := resolve(id)
		if err != nil {
			return "", err
		}
		if !ok {
			if !seen[id] {
				seen[id] = true
				out.Unresolved = append(out.Unresolved, id)
			}
			return id, nil
		}
		return serverID, nil
	}

	path, query, hasQuery := strings.Cut(endpoint, "?")
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if !IsTemp(seg) {
			continue
		}
		id, err := lookup(seg)
		if err != nil {
			return Rewritten{}, err
		}
		segments[i] = id
	}
	out.Endpoint = strings.Join(segments, "/")
	if hasQuery {
		out.Endpoint += "?" + query
	}

	if len(bytes.TrimSpace(payload)) == 0 || !bytes.Contains(payload, []byte(Prefix)) {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Rewritten{}, fmt.Errorf("decode payload: %w", err)
	}
	changed := false
	doc, err := walk(doc, func(s string) (string, error) {
		if !IsTemp(s) {
			return s, nil
		}
		id, err := lookup(s)
		if err != nil {
			return "", err
		}
		if id != s {
			changed = true
		}
		return id, nil
	})
	if err != nil {
		return Rewritten{}, err
	}
	if changed {
		data, err := json.Marshal(doc)
		if err != nil {
			return Rewritten{}, fmt.Errorf("encode payload: %w", err)
		}
		out.Payload = data
	}
	return out, nil
}

func walk(v any, fn func(string) (string, error)) (any, error) {
	switch t := v.(type) {
	case string:
		return fn(t)
	case []any:
		for i := range t {
			nv, err := walk(t[i], fn)
			if err != nil {
				return nil, err
			}
			t[i] = nv
		}
		return t, nil
	case map[string]any:
		for k, child := range t {
			nv, err := walk(child, fn)
			if err != nil {
				return nil, err
			}
			t[k] = nv
		}
		return t, nil
	default:
		return v, nil
	}
}

// ServerID extracts the "id" field of a create response. Numeric ids are
// returned in their decimal form.
func ServerID(response json.RawMessage) (string, bool) {
	if len(response) == 0 {
		return "", false
	}
	var body struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(response, &body); err != nil || len(body.ID) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(body.ID, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(body.ID, &n); err == nil {
		return n.String(), true
	}
	return "", false
}
