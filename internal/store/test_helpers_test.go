package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/unlockd/internal/registry"
	"github.com/roach88/unlockd/internal/testutil"
)

// createTestStore creates a new SQLite store in a temp dir.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testBackends returns one fresh instance of each Backend, sharing a fake
// clock and deterministic ids.
func testBackends(t *testing.T) map[string]Backend {
	t.Helper()
	newOpts := func() []Option {
		clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), time.Second)
		return []Option{WithClock(clock.Now), WithIDGenerator(NewSequenceGenerator("entry"))}
	}

	sqlite := createTestStore(t, newOpts()...)
	if err := sqlite.EnsureVerticals(testContext(t), testRegistry(t)); err != nil {
		t.Fatalf("EnsureVerticals() failed: %v", err)
	}

	return map[string]Backend{
		"sqlite": sqlite,
		"memory": NewMemStore(newOpts()...),
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New(
		registry.Descriptor{
			Key:                 "dealflow",
			Label:               "Deal Flow",
			RecordTable:         "dealflow_records",
			EntitlementTable:    "dealflow_access",
			EntitlementKeyField: "company_id",
			UnlockOperation:     "unlock_dealflow",
			RestrictedFields:    []string{"valuation"},
		},
		registry.Descriptor{
			Key:                 "cyberintel",
			Label:               "Cyber Intel",
			RecordTable:         "cyberintel_records",
			EntitlementTable:    "cyberintel_access",
			EntitlementKeyField: "threat_id",
			UnlockOperation:     "unlock_cyberintel",
		},
	)
	if err != nil {
		t.Fatalf("registry.New() failed: %v", err)
	}
	return r
}

func mustLookup(t *testing.T, key string) registry.Descriptor {
	t.Helper()
	d, err := testRegistry(t).Lookup(key)
	if err != nil {
		t.Fatalf("Lookup(%q) failed: %v", key, err)
	}
	return d
}
