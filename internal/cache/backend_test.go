package cache_test

import (
	"testing"

	"github.com/any-hub/offline-worker/internal/cache"
	"github.com/any-hub/offline-worker/internal/cache/cachetest"
)

func TestFSBackendSuite(t *testing.T) {
	cachetest.RunBackendSuite(t, func(t *testing.T) cache.Backend {
		backend, err := cache.NewFSBackend(t.TempDir())
		if err != nil {
			t.Fatalf("failed to create fs backend: %v", err)
		}
		return backend
	})
}

func TestMemoryBackendSuite(t *testing.T) {
	cachetest.RunBackendSuite(t, func(t *testing.T) cache.Backend {
		return cache.NewMemoryBackend()
	})
}
