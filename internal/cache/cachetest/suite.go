// Package cachetest holds the behaviour suite every cache.Backend must pass.
package cachetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-worker/internal/cache"
)

// Factory builds a fresh, empty backend for one subtest.
type Factory func(t *testing.T) cache.Backend

// RunBackendSuite exercises generation bookkeeping, matching and atomic batch writes.
func RunBackendSuite(t *testing.T, newBackend Factory) {
	t.Run("GenerationsKeepCreationOrder", func(t *testing.T) {
		storage := cache.NewStorage(newBackend(t))
		ctx := context.Background()

		for _, name := range []string{"cache2", "offline2", "cache1"} {
			_, err := storage.Open(ctx, name)
			require.NoError(t, err)
		}
		// 重复 Open 不应改变顺序
		_, err := storage.Open(ctx, "cache2")
		require.NoError(t, err)

		keys, err := storage.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"cache2", "offline2", "cache1"}, keys)

		has, err := storage.Has(ctx, "offline2")
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("PutMatchDelete", func(t *testing.T) {
		storage := cache.NewStorage(newBackend(t))
		ctx := context.Background()
		c, err := storage.Open(ctx, "offline1")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "http://app.local/blog/post?id=7", nil)
		resp := newResponse(http.StatusOK, "hello", http.Header{"Content-Type": {"text/html"}})
		require.NoError(t, c.Put(ctx, req, resp))

		// Put 之后原响应仍可读取
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))

		rec, err := c.Match(ctx, httptest.NewRequest(http.MethodGet, "http://app.local/blog/post?id=7", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Status)
		assert.Equal(t, "hello", string(rec.Body))
		assert.Equal(t, "text/html", rec.Header.Get("Content-Type"))

		_, err = c.Match(ctx, httptest.NewRequest(http.MethodGet, "http://app.local/blog/post?id=8", nil))
		assert.ErrorIs(t, err, cache.ErrNotFound)

		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"http://app.local/blog/post?id=7"}, keys)

		deleted, err := c.Delete(ctx, req)
		require.NoError(t, err)
		assert.True(t, deleted)
		_, err = c.Match(ctx, req)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("PutReplacesExistingEntry", func(t *testing.T) {
		storage := cache.NewStorage(newBackend(t))
		ctx := context.Background()
		c, err := storage.Open(ctx, "offline1")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "http://app.local/", nil)
		require.NoError(t, c.Put(ctx, req, newResponse(http.StatusOK, "v1", nil)))
		require.NoError(t, c.Put(ctx, req, newResponse(http.StatusOK, "v2", nil)))

		rec, err := c.Match(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "v2", string(rec.Body))
	})

	t.Run("PutRejectsNonGet", func(t *testing.T) {
		storage := cache.NewStorage(newBackend(t))
		ctx := context.Background()
		c, err := storage.Open(ctx, "offline1")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "http://app.local/form", nil)
		err = c.Put(ctx, req, newResponse(http.StatusOK, "x", nil))
		assert.ErrorIs(t, err, cache.ErrMethodNotAllowed)
	})

	t.Run("VaryHeadersPartOfIdentity", func(t *testing.T) {
		storage := cache.NewStorage(newBackend(t))
		ctx := context.Background()
		c, err := storage.Open(ctx, "offline1")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "http://app.local/i18n", nil)
		req.Header.Set("Accept-Language", "nb")
		require.NoError(t, c.Put(ctx, req, newResponse(http.StatusOK, "hei", http.Header{"Vary": {"Accept-Language"}})))

		same := httptest.NewRequest(http.MethodGet, "http://app.local/i18n", nil)
		same.Header.Set("Accept-Language", "nb")
		_, err = c.Match(ctx, same)
		require.NoError(t, err)

		other := httptest.NewRequest(http.MethodGet, "http://app.local/i18n", nil)
		other.Header.Set("Accept-Language", "en")
		_, err = c.Match(ctx, other)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("VaryAcceptEncodingIgnored", func(t *testing.T) {
		storage := cache.NewStorage(newBackend(t))
		ctx := context.Background()
		c, err := storage.Open(ctx, "cache1")
		require.NoError(t, err)

		// 预缓存请求不带 Accept-Encoding
		stored := httptest.NewRequest(http.MethodGet, "http://app.local/app.js", nil)
		header := http.Header{"Vary": {"Accept-Encoding, Accept-Language"}}
		require.NoError(t, c.Put(ctx, stored, newResponse(http.StatusOK, "js", header)))

		browser := httptest.NewRequest(http.MethodGet, "http://app.local/app.js", nil)
		browser.Header.Set("Accept-Encoding", "gzip, deflate, br")
		rec, err := c.Match(ctx, browser)
		require.NoError(t, err)
		assert.Equal(t, "js", string(rec.Body))

		browser.Header.Set("Accept-Language", "nb")
		_, err = c.Match(ctx, browser)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("PathVariantsAreDistinctEntries", func(t *testing.T) {
		storage := cache.NewStorage(newBackend(t))
		ctx := context.Background()
		c, err := storage.Open(ctx, "offline1")
		require.NoError(t, err)

		docs := httptest.NewRequest(http.MethodGet, "http://app.local/docs", nil)
		require.NoError(t, c.Put(ctx, docs, newResponse(http.StatusOK, "docs-no-slash", nil)))

		for _, target := range []string{"http://app.local/docs/", "http://app.local/x/%2e%2e/docs"} {
			_, err := c.Match(ctx, httptest.NewRequest(http.MethodGet, target, nil))
			assert.ErrorIs(t, err, cache.ErrNotFound, target)
		}

		precache, err := storage.Open(ctx, "cache1")
		require.NoError(t, err)
		fetcher := cache.FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
			return newResponse(http.StatusOK, "asset:"+req.URL.Path, nil), nil
		})
		reqs := []*http.Request{
			httptest.NewRequest(http.MethodGet, "http://app.local/blog", nil),
			httptest.NewRequest(http.MethodGet, "http://app.local/blog/", nil),
		}
		require.NoError(t, precache.AddAll(ctx, fetcher, reqs, 2))

		keys, err := precache.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"http://app.local/blog", "http://app.local/blog/"}, keys)

		rec, err := precache.Match(ctx, httptest.NewRequest(http.MethodGet, "http://app.local/blog/", nil))
		require.NoError(t, err)
		assert.Equal(t, "asset:/blog/", string(rec.Body))
	})

	t.Run("StorageMatchSearchesAllGenerations", func(t *testing.T) {
		storage := cache.NewStorage(newBackend(t))
		ctx := context.Background()
		first, err := storage.Open(ctx, "cache1")
		require.NoError(t, err)
		second, err := storage.Open(ctx, "offline1")
		require.NoError(t, err)

		shared := httptest.NewRequest(http.MethodGet, "http://app.local/shared.js", nil)
		require.NoError(t, first.Put(ctx, shared, newResponse(http.StatusOK, "from-first", nil)))
		require.NoError(t, second.Put(ctx, shared, newResponse(http.StatusOK, "from-second", nil)))
		only := httptest.NewRequest(http.MethodGet, "http://app.local/only.js", nil)
		require.NoError(t, second.Put(ctx, only, newResponse(http.StatusOK, "only", nil)))

		rec, err := storage.Match(ctx, shared)
		require.NoError(t, err)
		assert.Equal(t, "from-first", string(rec.Body))

		rec, err = storage.Match(ctx, only)
		require.NoError(t, err)
		assert.Equal(t, "only", string(rec.Body))

		_, err = storage.Match(ctx, httptest.NewRequest(http.MethodGet, "http://app.local/none", nil))
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("DeleteGeneration", func(t *testing.T) {
		storage := cache.NewStorage(newBackend(t))
		ctx := context.Background()
		c, err := storage.Open(ctx, "cache0")
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "http://app.local/a.js", nil)
		require.NoError(t, c.Put(ctx, req, newResponse(http.StatusOK, "a", nil)))

		deleted, err := storage.Delete(ctx, "cache0")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = storage.Delete(ctx, "cache0")
		require.NoError(t, err)
		assert.False(t, deleted)

		keys, err := storage.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		_, err = storage.Match(ctx, req)
		assert.ErrorIs(t, err, cache.ErrNotFound)

		err = c.Put(ctx, req, newResponse(http.StatusOK, "a", nil))
		assert.ErrorIs(t, err, cache.ErrGenerationNotFound)
	})

	t.Run("AddAllIsAtomic", func(t *testing.T) {
		storage := cache.NewStorage(newBackend(t))
		ctx := context.Background()
		c, err := storage.Open(ctx, "cache1")
		require.NoError(t, err)

		fetcher := cache.FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
			if req.URL.Path == "/missing.js" {
				return newResponse(http.StatusNotFound, "nope", nil), nil
			}
			return newResponse(http.StatusOK, "asset:"+req.URL.Path, nil), nil
		})

		bad := []*http.Request{
			httptest.NewRequest(http.MethodGet, "http://app.local/a.js", nil),
			httptest.NewRequest(http.MethodGet, "http://app.local/missing.js", nil),
		}
		err = c.AddAll(ctx, fetcher, bad, 2)
		var badResp *cache.BadResponseError
		require.ErrorAs(t, err, &badResp)
		assert.Equal(t, http.StatusNotFound, badResp.Status)

		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys, "失败的批量写入不应留下任何条目")

		good := []*http.Request{
			httptest.NewRequest(http.MethodGet, "http://app.local/a.js", nil),
			httptest.NewRequest(http.MethodGet, "http://app.local/b.css", nil),
		}
		require.NoError(t, c.AddAll(ctx, fetcher, good, 2))
		keys, err = c.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"http://app.local/a.js", "http://app.local/b.css"}, keys)
	})

	t.Run("AddAllRejectsDuplicatesAndNetworkErrors", func(t *testing.T) {
		storage := cache.NewStorage(newBackend(t))
		ctx := context.Background()
		c, err := storage.Open(ctx, "cache1")
		require.NoError(t, err)

		ok := cache.FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
			return newResponse(http.StatusOK, "x", nil), nil
		})
		dup := []*http.Request{
			httptest.NewRequest(http.MethodGet, "http://app.local/a.js", nil),
			httptest.NewRequest(http.MethodGet, "http://app.local/a.js", nil),
		}
		assert.Error(t, c.AddAll(ctx, ok, dup, 1))

		boom := errors.New("connection refused")
		failing := cache.FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
			return nil, boom
		})
		err = c.AddAll(ctx, failing, []*http.Request{httptest.NewRequest(http.MethodGet, "http://app.local/a.js", nil)}, 1)
		assert.ErrorIs(t, err, boom)
	})
}

func newResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}
