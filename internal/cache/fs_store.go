package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	generationMarker = ".generation"
	bodySuffix       = ".body"
	metaSuffix       = ".meta"
)

// NewFSBackend 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<basePath>/<generation>/.generation           # 创建时间
//	<basePath>/<generation>/<host>/<hh>/<sha256>.body   # 响应正文
//	<basePath>/<generation>/<host>/<hh>/<sha256>.meta   # URL/状态码/头部/Vary 快照
func NewFSBackend(basePath string) (Backend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，genMu 串行化缓存代的创建与删除。
type fileStore struct {
	basePath string

	genMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type generationInfo struct {
	name    string
	created time.Time
}

func (s *fileStore) CreateGeneration(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()

	dir := filepath.Join(s.basePath, name)
	marker := filepath.Join(dir, generationMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	return writeFileAtomic(marker, []byte(stamp))
}

func (s *fileStore) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	infos := make([]generationInfo, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, entry.Name(), generationMarker))
		if err != nil {
			// 没有标记文件的目录不是缓存代（可能是删除中途的残留）
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
		infos = append(infos, generationInfo{name: entry.Name(), created: created})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].created.Equal(infos[j].created) {
			return infos[i].name < infos[j].name
		}
		return infos[i].created.Before(infos[j].created)
	})

	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.name
	}
	return names, nil
}

func (s *fileStore) DropGeneration(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()

	dir := filepath.Join(s.basePath, name)
	marker := filepath.Join(dir, generationMarker)
	if _, err := os.Stat(marker); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先移除标记，保证删除中途失败时该目录不再被视为缓存代
	if err := os.Remove(marker); err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) Load(ctx context.Context, generation, key string) (*Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if !s.generationExists(generation) {
		return nil, ErrGenerationNotFound
	}
	base, err := s.entryPath(generation, key)
	if err != nil {
		return nil, err
	}

	metaRaw, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(metaRaw, &rec); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	if rec.URL != key {
		return nil, ErrNotFound
	}
	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Body = body
	return &rec, nil
}

func (s *fileStore) StoreAll(ctx context.Context, generation string, records []*Record) error {
	if !s.generationExists(generation) {
		return ErrGenerationNotFound
	}

	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.URL)
	}
	unlock := s.lockEntries(generation, keys)
	defer unlock()

	type staged struct {
		base      string
		bodyTemp  string
		metaTemp  string
		committed bool
	}
	batch := make([]*staged, 0, len(records))
	cleanup := func() {
		for _, st := range batch {
			if st.committed {
				os.Remove(st.base + bodySuffix)
				os.Remove(st.base + metaSuffix)
				continue
			}
			os.Remove(st.bodyTemp)
			os.Remove(st.metaTemp)
		}
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		base, err := s.entryPath(generation, rec.URL)
		if err != nil {
			cleanup()
			return err
		}
		if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
			cleanup()
			return err
		}
		meta, err := json.Marshal(rec)
		if err != nil {
			cleanup()
			return fmt.Errorf("encode cache meta: %w", err)
		}
		st := &staged{base: base}
		batch = append(batch, st)
		if st.bodyTemp, err = writeTemp(filepath.Dir(base), rec.Body); err != nil {
			cleanup()
			return err
		}
		if st.metaTemp, err = writeTemp(filepath.Dir(base), meta); err != nil {
			cleanup()
			return err
		}
	}

	// 所有临时文件就绪后再统一 rename，失败时撤销本批已提交的条目
	for _, st := range batch {
		if err := os.Rename(st.bodyTemp, st.base+bodySuffix); err != nil {
			cleanup()
			return err
		}
		if err := os.Rename(st.metaTemp, st.base+metaSuffix); err != nil {
			os.Remove(st.base + bodySuffix)
			cleanup()
			return err
		}
		st.committed = true
	}
	return nil
}

func (s *fileStore) Remove(ctx context.Context, generation, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := s.lockEntries(generation, []string{key})
	defer unlock()

	base, err := s.entryPath(generation, key)
	if err != nil {
		return false, err
	}
	existed := true
	if err := os.Remove(base + metaSuffix); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (s *fileStore) Entries(ctx context.Context, generation string) ([]string, error) {
	if !s.generationExists(generation) {
		return nil, ErrGenerationNotFound
	}
	root := filepath.Join(s.basePath, generation)
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil
		}
		keys = append(keys, rec.URL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) generationExists(name string) bool {
	_, err := os.Stat(filepath.Join(s.basePath, name, generationMarker))
	return err == nil
}

// lockEntries 按排序后的 key 依次加锁，避免批量写入之间死锁。
func (s *fileStore) lockEntries(generation string, keys []string) func() {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		lockKey := generation + "::" + key
		if _, ok := seen[lockKey]; ok {
			continue
		}
		seen[lockKey] = struct{}{}
		sorted = append(sorted, lockKey)
	}
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, key := range sorted {
		unlocks = append(unlocks, s.lockEntry(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// entryPath 将请求 URL 映射为缓存代目录下的文件前缀（不含 .body/.meta 后缀）。
// 文件名取完整 key 的 sha256，"/docs" 与 "/docs/"、编码后的 ".." 各自落在不同文件。
func (s *fileStore) entryPath(generation, key string) (string, error) {
	if generation == "" {
		return "", errors.New("generation required")
	}
	u, err := url.Parse(key)
	if err != nil {
		return "", fmt.Errorf("invalid cache key: %w", err)
	}

	host := strings.ToLower(u.Host)
	host = strings.NewReplacer(":", "_", "/", "_", `\`, "_").Replace(host)
	if host == "" || host == "." || host == ".." {
		host = "_"
	}

	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])

	genRoot := filepath.Join(s.basePath, generation)
	filePath := filepath.Join(genRoot, host, name[:2], name)
	if !strings.HasPrefix(filePath, genRoot+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func writeTemp(dir string, data []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func writeFileAtomic(target string, data []byte) error {
	tempName, err := writeTemp(filepath.Dir(target), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
