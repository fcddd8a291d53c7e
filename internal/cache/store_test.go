package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFSStoreRoundTripsRecord(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()
	if err := store.CreateGeneration(ctx, "cache1"); err != nil {
		t.Fatalf("create generation error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://localhost:5000/_app/immutable/entry/start.js", nil)
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/javascript"}},
		Body:       io.NopCloser(bytes.NewReader([]byte("console.log(1)"))),
	}
	rec, err := NewRecord(req, resp)
	if err != nil {
		t.Fatalf("new record error: %v", err)
	}
	if err := store.StoreAll(ctx, "cache1", []*Record{rec}); err != nil {
		t.Fatalf("store error: %v", err)
	}

	loaded, err := store.Load(ctx, "cache1", rec.URL)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if string(loaded.Body) != "console.log(1)" {
		t.Fatalf("cached payload mismatch: %s", string(loaded.Body))
	}
	if loaded.Header.Get("Content-Type") != "application/javascript" {
		t.Fatalf("content type mismatch: %s", loaded.Header.Get("Content-Type"))
	}
	if loaded.URL != "http://localhost:5000/_app/immutable/entry/start.js" {
		t.Fatalf("unexpected url: %s", loaded.URL)
	}
}

func TestFSStoreLoadMissing(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	if _, err := store.Load(ctx, "cache1", "http://localhost/missing"); err != ErrGenerationNotFound {
		t.Fatalf("expected ErrGenerationNotFound, got %v", err)
	}
	if err := store.CreateGeneration(ctx, "cache1"); err != nil {
		t.Fatalf("create generation error: %v", err)
	}
	if _, err := store.Load(ctx, "cache1", "http://localhost/missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFSStoreIgnoresDirectoriesWithoutMarker(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Join(store.basePath, "leftover"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := store.CreateGeneration(ctx, "offline1"); err != nil {
		t.Fatalf("create generation error: %v", err)
	}

	names, err := store.Generations(ctx)
	if err != nil {
		t.Fatalf("generations error: %v", err)
	}
	if len(names) != 1 || names[0] != "offline1" {
		t.Fatalf("unexpected generations: %v", names)
	}
}

func TestFSStoreEntryPathLayout(t *testing.T) {
	store := newTestFSStore(t)

	root, err := store.entryPath("cache1", "http://localhost:5000/")
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if want := filepath.Join(store.basePath, "cache1", "localhost_5000"); filepath.Dir(filepath.Dir(root)) != want {
		t.Fatalf("expected entry under %s, got %s", want, root)
	}

	seen := map[string]string{}
	for _, key := range []string{
		"http://localhost:5000/docs",
		"http://localhost:5000/docs/",
		"http://localhost:5000/x/%2e%2e/docs",
		"http://localhost:5000/docs?page=2",
	} {
		p, err := store.entryPath("cache1", key)
		if err != nil {
			t.Fatalf("path error for %s: %v", key, err)
		}
		if prev, dup := seen[p]; dup {
			t.Fatalf("%s and %s map to the same file %s", prev, key, p)
		}
		seen[p] = key
	}

	escaped, err := store.entryPath("cache1", "http://localhost:5000/../../etc/passwd")
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if !strings.HasPrefix(escaped, filepath.Join(store.basePath, "cache1")+string(filepath.Separator)) {
		t.Fatalf("path escaped generation root: %s", escaped)
	}
}

func TestFSStoreLoadRejectsForeignRecord(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()
	if err := store.CreateGeneration(ctx, "cache1"); err != nil {
		t.Fatalf("create generation: %v", err)
	}
	rec := &Record{URL: "http://localhost:5000/docs", Status: http.StatusOK, Header: http.Header{}, Body: []byte("docs")}
	if err := store.StoreAll(ctx, "cache1", []*Record{rec}); err != nil {
		t.Fatalf("store: %v", err)
	}

	// 把条目文件挪到另一个 key 的位置，模拟映射冲突
	from, _ := store.entryPath("cache1", rec.URL)
	to, _ := store.entryPath("cache1", "http://localhost:5000/docs/")
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, suffix := range []string{bodySuffix, metaSuffix} {
		if err := os.Rename(from+suffix, to+suffix); err != nil {
			t.Fatalf("rename: %v", err)
		}
	}

	if _, err := store.Load(ctx, "cache1", "http://localhost:5000/docs/"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for mismatched record, got %v", err)
	}
}

func TestFSStoreDropGenerationRemovesFiles(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()
	if err := store.CreateGeneration(ctx, "cache0"); err != nil {
		t.Fatalf("create generation error: %v", err)
	}
	rec := &Record{URL: "http://localhost/a.js", Status: http.StatusOK, Header: http.Header{}, Body: []byte("a")}
	if err := store.StoreAll(ctx, "cache0", []*Record{rec}); err != nil {
		t.Fatalf("store error: %v", err)
	}

	dropped, err := store.DropGeneration(ctx, "cache0")
	if err != nil || !dropped {
		t.Fatalf("expected drop to succeed, got %v %v", dropped, err)
	}
	if _, err := os.Stat(filepath.Join(store.basePath, "cache0")); !os.IsNotExist(err) {
		t.Fatalf("generation directory should be gone, got %v", err)
	}
}

func TestRecordResponseHasIndependentBodies(t *testing.T) {
	rec := &Record{URL: "http://localhost/", Status: http.StatusOK, Header: http.Header{}, Body: []byte("page")}

	first := rec.Response(nil)
	second := rec.Response(nil)
	a, _ := io.ReadAll(first.Body)
	b, _ := io.ReadAll(second.Body)
	if string(a) != "page" || string(b) != "page" {
		t.Fatalf("unexpected bodies: %q %q", a, b)
	}
	if first.Header.Get("Content-Length") != "4" {
		t.Fatalf("content length mismatch: %s", first.Header.Get("Content-Length"))
	}
}

func TestNewRecordBrokenBodyReportsReadError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://localhost:5000/blog", nil)
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(io.MultiReader(strings.NewReader("<h1>"), &brokenReader{})),
	}

	rec, err := NewRecord(req, resp)
	if !errors.Is(err, ErrBodyRead) {
		t.Fatalf("expected ErrBodyRead, got %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no record")
	}
	if resp.Body != http.NoBody || resp.ContentLength != 0 {
		t.Fatalf("expected response body reset to NoBody")
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestStorageLookupDoesNotCreate(t *testing.T) {
	storage := NewStorage(NewMemoryBackend())
	ctx := context.Background()

	if _, err := storage.Lookup(ctx, "offline9"); !errors.Is(err, ErrGenerationNotFound) {
		t.Fatalf("expected ErrGenerationNotFound, got %v", err)
	}
	if has, err := storage.Has(ctx, "offline9"); err != nil || has {
		t.Fatalf("lookup must not create generation: has=%v err=%v", has, err)
	}
	if _, err := storage.Lookup(ctx, "../etc"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}

	if _, err := storage.Open(ctx, "offline9"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	c, err := storage.Lookup(ctx, "offline9")
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if c.Name() != "offline9" {
		t.Fatalf("unexpected name: %s", c.Name())
	}
}

func TestKeyForURLNormalizes(t *testing.T) {
	u, err := url.Parse("HTTP://LocalHost:5000?x=1#frag")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if got := KeyForURL(u); got != "http://localhost:5000/?x=1" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"", " ", "a/b", `a\b`, ".hidden"} {
		if err := validateName(name); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
	if err := validateName("cache1718000000000"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// newTestFSStore returns a fileStore backed by a temporary directory.
func newTestFSStore(t *testing.T) *fileStore {
	t.Helper()
	backend, err := NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return backend.(*fileStore)
}
