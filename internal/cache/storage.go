package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Fetcher 抽象一次网络请求，worker 与批量预缓存共用。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher 接口。
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Storage 对应浏览器的 CacheStorage：管理具名缓存代并支持跨代匹配。
type Storage struct {
	backend Backend
}

// NewStorage 基于具体后端构建 Storage，整站复用一份实例。
func NewStorage(backend Backend) *Storage {
	return &Storage{backend: backend}
}

// Open 打开（不存在时创建）指定名称的缓存代。
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.backend.CreateGeneration(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &Cache{name: name, backend: s.backend}, nil
}

// Lookup 打开已存在的缓存代，不存在时返回 ErrGenerationNotFound，不会创建。
func (s *Storage) Lookup(ctx context.Context, name string) (*Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lookup cache %s: %w", name, ErrGenerationNotFound)
	}
	return &Cache{name: name, backend: s.backend}, nil
}

// Has 返回缓存代是否存在。
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	names, err := s.backend.Generations(ctx)
	if err != nil {
		return false, err
	}
	for _, existing := range names {
		if existing == name {
			return true, nil
		}
	}
	return false, nil
}

// Keys 按创建顺序列出所有缓存代名称。
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.backend.Generations(ctx)
}

// Delete 删除缓存代，返回是否存在过。
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	return s.backend.DropGeneration(ctx, name)
}

// Match 依照创建顺序在所有缓存代中查找请求，返回第一个命中的条目。
func (s *Storage) Match(ctx context.Context, req *http.Request) (*Record, error) {
	names, err := s.backend.Generations(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c := &Cache{name: name, backend: s.backend}
		rec, err := c.Match(ctx, req)
		switch {
		case err == nil:
			return rec, nil
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrGenerationNotFound):
			// 缓存代可能被并发删除，继续查找下一代
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Close 释放后端资源。
func (s *Storage) Close() error {
	return s.backend.Close()
}

// Cache 是单个具名缓存代。
type Cache struct {
	name    string
	backend Backend
}

// Name 返回缓存代名称。
func (c *Cache) Name() string {
	return c.name
}

// Match 精确匹配请求（URL + Vary 头），未命中返回 ErrNotFound。
func (c *Cache) Match(ctx context.Context, req *http.Request) (*Record, error) {
	if req == nil || !isGet(req.Method) {
		return nil, ErrNotFound
	}
	rec, err := c.backend.Load(ctx, c.name, RequestKey(req))
	if err != nil {
		return nil, err
	}
	if !varyMatches(rec, req) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Put 将响应写入缓存。resp.Body 会被读取并替换为等价的内存 Reader，调用方可继续返回该响应。
func (c *Cache) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	rec, err := recordForPut(req, resp)
	if err != nil {
		return err
	}
	return c.backend.StoreAll(ctx, c.name, []*Record{rec})
}

// AddAll 并发抓取所有请求，全部成功（2xx）后一次性原子写入；任一失败则不写入任何条目。
func (c *Cache) AddAll(ctx context.Context, fetcher Fetcher, reqs []*http.Request, concurrency int) error {
	if fetcher == nil {
		return errors.New("fetcher is required")
	}
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		if req == nil || !isGet(req.Method) {
			return ErrMethodNotAllowed
		}
		key := RequestKey(req)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate request in batch: %s", key)
		}
		seen[key] = struct{}{}
	}

	records := make([]*Record, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := fetcher.Fetch(gctx, req.WithContext(gctx))
			if err != nil {
				return fmt.Errorf("fetch %s: %w", RequestKey(req), err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				resp.Body.Close()
				return &BadResponseError{URL: RequestKey(req), Status: resp.StatusCode}
			}
			rec, err := recordForPut(req, resp)
			resp.Body.Close()
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return c.backend.StoreAll(ctx, c.name, records)
}

// Keys 返回缓存代内所有请求 URL。
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	return c.backend.Entries(ctx, c.name)
}

// Delete 删除请求对应的条目。
func (c *Cache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if req == nil || !isGet(req.Method) {
		return false, nil
	}
	return c.backend.Remove(ctx, c.name, RequestKey(req))
}

func recordForPut(req *http.Request, resp *http.Response) (*Record, error) {
	if req == nil || !isGet(req.Method) {
		return nil, ErrMethodNotAllowed
	}
	if resp == nil {
		return nil, errors.New("response is nil")
	}
	if resp.StatusCode == http.StatusPartialContent {
		return nil, fmt.Errorf("%w: partial content", ErrUncacheableResponse)
	}
	if names := varyNames(resp.Header); len(names) > 0 && names[0] == "*" {
		return nil, fmt.Errorf("%w: vary *", ErrUncacheableResponse)
	}
	return NewRecord(req, resp)
}

func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return ErrInvalidName
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
