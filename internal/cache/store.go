package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Backend 负责缓存代（generation）与条目的持久化，语义层由 Storage/Cache 统一实现。
type Backend interface {
	// CreateGeneration 创建指定名称的缓存代，已存在时直接返回 nil。
	CreateGeneration(ctx context.Context, name string) error
	// Generations 按创建顺序返回所有缓存代名称。
	Generations(ctx context.Context) ([]string, error)
	// DropGeneration 删除缓存代及其全部条目，返回是否真的删除了内容。
	DropGeneration(ctx context.Context, name string) (bool, error)
	// Load 读取单个条目，不存在时返回 ErrNotFound。
	Load(ctx context.Context, generation, key string) (*Record, error)
	// StoreAll 原子地写入一批条目：要么全部可见，要么全部不写入。
	// 缓存代不存在时返回 ErrGenerationNotFound。
	StoreAll(ctx context.Context, generation string, records []*Record) error
	// Remove 删除单个条目，返回条目是否存在。
	Remove(ctx context.Context, generation, key string) (bool, error)
	// Entries 返回缓存代内所有条目的 key。
	Entries(ctx context.Context, generation string) ([]string, error)
	// Close 释放底层资源。
	Close() error
}

// Record 表示一条缓存的 HTTP 响应。Body 单独存放，不参与 JSON 元数据序列化。
type Record struct {
	URL      string            `json:"url"`
	Status   int               `json:"status"`
	Header   http.Header       `json:"header"`
	Body     []byte            `json:"-"`
	Vary     map[string]string `json:"vary,omitempty"`
	StoredAt time.Time         `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationNotFound 表示缓存代不存在（可能已在 activate 阶段被删除）。
	ErrGenerationNotFound = errors.New("cache generation not found")
	// ErrInvalidName 表示缓存代名称不合法。
	ErrInvalidName = errors.New("invalid cache generation name")
	// ErrMethodNotAllowed 表示仅 GET 请求可以写入缓存。
	ErrMethodNotAllowed = errors.New("only GET requests can be cached")
	// ErrUncacheableResponse 表示响应无法写入缓存（206 或 Vary: *）。
	ErrUncacheableResponse = errors.New("response cannot be cached")
	// ErrBodyRead 表示读取上游响应正文失败，此时 resp.Body 已不可用。
	ErrBodyRead = errors.New("read response body")
)

// BadResponseError 表示批量预缓存时某个资源返回了非 2xx 状态。
type BadResponseError struct {
	URL    string
	Status int
}

func (e *BadResponseError) Error() string {
	return fmt.Sprintf("bad response for %s: status %d", e.URL, e.Status)
}

// NewRecord 读取响应正文生成缓存条目，并把正文重新装回 resp，调用方仍可继续使用该响应。
func NewRecord(req *http.Request, resp *http.Response) (*Record, error) {
	if resp == nil {
		return nil, errors.New("response is nil")
	}
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			resp.Body = http.NoBody
			resp.ContentLength = 0
			return nil, fmt.Errorf("%w: %w", ErrBodyRead, err)
		}
		body = data
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return &Record{
		URL:      RequestKey(req),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		Vary:     captureVary(req, resp.Header),
		StoredAt: time.Now().UTC(),
	}, nil
}

// Response 基于缓存条目构造一个全新的 *http.Response，每次调用都拥有独立的 Body。
func (r *Record) Response(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// clone 深拷贝条目，避免内存后端与调用方共享切片/Map。
func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Header = r.Header.Clone()
	cp.Body = append([]byte(nil), r.Body...)
	if r.Vary != nil {
		cp.Vary = make(map[string]string, len(r.Vary))
		for k, v := range r.Vary {
			cp.Vary[k] = v
		}
	}
	return &cp
}
