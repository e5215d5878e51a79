package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Kind names a replayable mutation.
type Kind string

const (
	KindCreateResident Kind = "create_resident"
	KindUpdateResident Kind = "update_resident"
	KindDeleteResident Kind = "delete_resident"
	KindCreateEntry    Kind = "create_entry"
	KindUpdateEntry    Kind = "update_entry"
	KindDeleteEntry    Kind = "delete_entry"
)

// ErrInvalidAction reports a draft that can never be replayed.
var ErrInvalidAction = errors.New("invalid action")

type route struct {
	method   string
	base     string
	targeted bool
}

var routes = map[Kind]route{
	KindCreateResident: {http.MethodPost, "/api/residents", false},
	KindUpdateResident: {http.MethodPut, "/api/residents", true},
	KindDeleteResident: {http.MethodDelete, "/api/residents", true},
	KindCreateEntry:    {http.MethodPost, "/api/entries", false},
	KindUpdateEntry:    {http.MethodPut, "/api/entries", true},
	KindDeleteEntry:    {http.MethodDelete, "/api/entries", true},
}

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{
		KindCreateResident, KindUpdateResident, KindDeleteResident,
		KindCreateEntry, KindUpdateEntry, KindDeleteEntry,
	}
}

// Draft is an action as submitted by the UI, before it is queued.
type Draft struct {
	Kind    Kind            `json:"kind"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the kind, the target requirement, and the payload shape.
func (d Draft) Validate() error {
	r, ok := routes[d.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, d.Kind)
	}
	target := strings.TrimSpace(d.Target)
	if r.targeted && target == "" {
		return fmt.Errorf("%w: %s requires a target id", ErrInvalidAction, d.Kind)
	}
	if !r.targeted && target != "" {
		return fmt.Errorf("%w: %s does not take a target id", ErrInvalidAction, d.Kind)
	}
	if r.method != http.MethodDelete {
		if len(d.Payload) == 0 {
			return fmt.Errorf("%w: %s requires a payload", ErrInvalidAction, d.Kind)
		}
		if !json.Valid(d.Payload) {
			return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidAction)
		}
	}
	return nil
}

// endpoint returns the method and path used to replay an action.
func endpoint(kind Kind, target string) (string, string, error) {
	r, ok := routes[kind]
	if !ok {
		return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, kind)
	}
	if !r.targeted {
		return r.method, r.base, nil
	}
	if target == "" {
		return "", "", fmt.Errorf("%w: %s requires a target id", ErrInvalidAction, kind)
	}
	return r.method, r.base + "/" + url.PathEscape(target), nil
}
