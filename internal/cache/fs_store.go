package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/any-hub/guide-cache/internal/fetch"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
	tempPrefix = ".cache-"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Storage, error) {
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

// fileStore 通过 entryLock 串行化同一条目的读写；命名空间级操作持有 nsMu。
type fileStore struct {
	basePath string

	// nsMu 写锁用于删除命名空间，条目读写持有读锁。
	nsMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是元数据文件的 JSON 结构，写入顺序晚于正文，作为提交标记。
type entryMeta struct {
	URL        string             `json:"url"`
	Status     int                `json:"status"`
	Type       fetch.ResponseType `json:"type"`
	Header     http.Header        `json:"header"`
	StoredAt   time.Time          `json:"stored_at"`
	SizeBytes  int64              `json:"size_bytes"`
	BodyDigest string             `json:"body_digest"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return nil, err
	}

	s.nsMu.RLock()
	defer s.nsMu.RUnlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace %s: %w", name, err)
	}
	return &fileCache{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return false, err
	}

	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先改名再删除，避免删除过程中被 Keys 看到半删除的目录。
	trash, err := os.MkdirTemp(s.basePath, ".trash-")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, name)
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) Stats(ctx context.Context, name string) (Stats, error) {
	dir, err := s.namespaceDir(name)
	if err != nil {
		return Stats{}, err
	}
	c := &fileCache{store: s, name: name, dir: dir}
	return c.Stats(ctx)
}

func (s *fileStore) namespaceDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrNamespaceInvalid, name)
	}
	return filepath.Join(s.basePath, name), nil
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

// fileCache 是单个命名空间目录的句柄。
type fileCache struct {
	store *fileStore
	name  string
	dir   string
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, req *http.Request) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || req.Method != http.MethodGet {
		return nil, ErrNotFound
	}
	key := RequestKey(req)

	c.store.nsMu.RLock()
	defer c.store.nsMu.RUnlock()
	unlock := c.store.lockEntry(c.lockKey(key))
	defer unlock()

	base := c.entryBase(key)
	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if digest(body) != meta.BodyDigest {
		return nil, fmt.Errorf("%w: %s", ErrCorruptEntry, key)
	}

	header := meta.Header
	if header == nil {
		header = http.Header{}
	}
	return &fetch.Response{
		URL:      meta.URL,
		Status:   meta.Status,
		Type:     meta.Type,
		Header:   header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (c *fileCache) Put(ctx context.Context, req *http.Request, resp *fetch.Response) error {
	if req == nil || req.URL == nil {
		return errors.New("cache: request required")
	}
	if req.Method != http.MethodGet {
		return ErrMethodNotAllowed
	}
	if resp == nil {
		return errors.New("cache: response required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := RequestKey(req)

	c.store.nsMu.RLock()
	defer c.store.nsMu.RUnlock()
	unlock := c.store.lockEntry(c.lockKey(key))
	defer unlock()

	if _, err := os.Stat(c.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNamespaceGone, c.name)
		}
		return err
	}

	base := c.entryBase(key)
	if err := writeFileAtomic(base+bodySuffix, resp.Body); err != nil {
		return err
	}
	meta := entryMeta{
		URL:        key,
		Status:     resp.Status,
		Type:       resp.Type,
		Header:     resp.Header.Clone(),
		StoredAt:   time.Now().UTC(),
		SizeBytes:  int64(len(resp.Body)),
		BodyDigest: digest(resp.Body),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(base+metaSuffix, payload)
}

func (c *fileCache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if req == nil || req.Method != http.MethodGet {
		return false, nil
	}
	key := RequestKey(req)

	c.store.nsMu.RLock()
	defer c.store.nsMu.RUnlock()
	unlock := c.store.lockEntry(c.lockKey(key))
	defer unlock()

	base := c.entryBase(key)
	err := os.Remove(base + metaSuffix)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	existed := err == nil
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	metas, err := c.metas(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(metas))
	for _, meta := range metas {
		keys = append(keys, meta.URL)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *fileCache) Stats(ctx context.Context) (Stats, error) {
	metas, err := c.metas(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, meta := range metas {
		stats.Entries++
		stats.SizeBytes += meta.SizeBytes
		if meta.StoredAt.After(stats.UpdatedAt) {
			stats.UpdatedAt = meta.StoredAt
		}
	}
	return stats, nil
}

func (c *fileCache) metas(ctx context.Context) ([]entryMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.store.nsMu.RLock()
	defer c.store.nsMu.RUnlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNamespaceGone, c.name)
		}
		return nil, err
	}
	result := make([]entryMeta, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(c.dir, name))
		if err != nil {
			// 条目可能在遍历期间被覆盖或删除，跳过即可。
			continue
		}
		result = append(result, meta)
	}
	return result, nil
}

func (c *fileCache) entryBase(key string) string {
	return filepath.Join(c.dir, digest([]byte(key)))
}

func (c *fileCache) lockKey(key string) string {
	return c.name + "::" + key
}

func readMeta(path string) (entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("%w: decode metadata: %w", ErrCorruptEntry, err)
	}
	return meta, nil
}

func writeFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNamespaceGone
		}
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
