package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrInstallCache 表示 install 阶段预缓存失败，worker 进入 redundant。
	ErrInstallCache = errors.New("install: populating static cache failed")
	// ErrNetwork 表示在线分支的网络请求失败且离线缓存中没有可用副本。
	ErrNetwork = errors.New("network request failed")
	// ErrFallbackMiss 表示离线时连兜底页面都不在缓存中。
	ErrFallbackMiss = errors.New("offline fallback page not cached")
	// ErrNotActivated 表示生命周期事件顺序不对（例如未 install 就 activate）。
	ErrNotActivated = errors.New("worker not activated")
)

// FetchError 携带失败的 URL，同时匹配 ErrNetwork 与底层传输错误。
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}
