package engine

import (
	"errors"
	"testing"
)

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	catalog := newTestCatalog(test)
	gate := NewGate(nil)
	clock := newTestClock(testNow)

	if _, err := NewService(nil, catalog, gate, clock.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("nil store: %v", err)
	}
	if _, err := NewService(store, catalog, gate, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("nil clock: %v", err)
	}
	if _, err := NewService(store, Catalog{}, gate, clock.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("empty catalog: %v", err)
	}
	if _, err := NewService(store, catalog, gate, clock.Now); err != nil {
		test.Fatalf("valid config rejected: %v", err)
	}
}
