package testsupport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"carenote/internal/config"
	"carenote/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// InsertAction stores a pending action created at the given time.
func InsertAction(t testing.TB, st *store.Store, kind string, createdAt time.Time, payload any) *store.Action {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	action := &store.Action{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: createdAt,
	}
	if err := st.InsertAction(context.Background(), action); err != nil {
		t.Fatalf("store.InsertAction: %v", err)
	}
	return action
}
