// Package kvtest provides an embedded kv store for tests.
package kvtest

import (
	"testing"

	"github.com/example/ride-dispatch/internal/kv"
)

// NewStore starts a MemoryStore that is closed when t finishes.
func NewStore(t testing.TB) *kv.MemoryStore {
	t.Helper()
	s, err := kv.NewMemoryStore()
	if err != nil {
		t.Fatalf("kv store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
