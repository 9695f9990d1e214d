package devserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var resourceName = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// tempIDPrefix marks ids minted by offline clients. They must never reach
// the server.
const tempIDPrefix = "tmp-"

// ValidationError is a payload the server refuses to store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// decodeBody parses a request body into a record body and an optional
// expected version. Bodies must be JSON objects; numbers must not be
// negative; no string may hold a client temporary id.
func decodeBody(data []byte) (map[string]any, int64, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		return nil, 0, &ValidationError{Reason: "body must be a JSON object"}
	}

	var version int64
	if v, ok := body["version"]; ok {
		n, isNum := v.(json.Number)
		parsed, err := n.Int64()
		if !isNum || err != nil || parsed < 1 {
			return nil, 0, &ValidationError{Field: "version", Reason: "must be a positive integer"}
		}
		version = parsed
	}
	for _, k := range []string{"id", "version", "created_at", "updated_at"} {
		delete(body, k)
	}

	if err := checkValues("", body); err != nil {
		return nil, 0, err
	}
	return body, version, nil
}

func checkValues(path string, v any) error {
	switch v := v.(type) {
	case map[string]any:
		for k, child := range v {
			if err := checkValues(joinPath(path, k), child); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range v {
			if err := checkValues(fmt.Sprintf("%s[%d]", path, i), child); err != nil {
				return err
			}
		}
	case string:
		if strings.HasPrefix(v, tempIDPrefix) {
			return &ValidationError{Field: path, Reason: fmt.Sprintf("references unsynced record %q", v)}
		}
	case json.Number:
		if strings.HasPrefix(v.String(), "-") {
			return &ValidationError{Field: path, Reason: "must not be negative"}
		}
	}
	return nil
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
