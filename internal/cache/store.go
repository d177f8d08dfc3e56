package cache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/any-hub/guide-cache/internal/fetch"
)

// Storage 对应宿主提供的 CacheStorage：按名称管理缓存命名空间。
type Storage interface {
	// Open 打开命名空间，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)
	// Has 报告命名空间是否存在。
	Has(ctx context.Context, name string) (bool, error)
	// Keys 返回全部命名空间名称（按字典序）。
	Keys(ctx context.Context) ([]string, error)
	// Delete 删除命名空间及其全部条目，不存在时返回 false。
	Delete(ctx context.Context, name string) (bool, error)
	// Stats 统计命名空间占用，不会创建命名空间；不存在时返回 ErrNamespaceGone。
	Stats(ctx context.Context, name string) (Stats, error)
}

// Cache 是单个命名空间，以请求 URL 为键保存完整响应。
type Cache interface {
	Name() string
	// Match 返回请求对应的缓存响应，未命中返回 ErrNotFound。仅 GET 请求可能命中。
	Match(ctx context.Context, req *http.Request) (*fetch.Response, error)
	// Put 覆盖写入请求对应的响应；非 GET 请求返回 ErrMethodNotAllowed。
	Put(ctx context.Context, req *http.Request, resp *fetch.Response) error
	// Delete 删除单个条目，不存在时返回 false。
	Delete(ctx context.Context, req *http.Request) (bool, error)
	// Keys 返回已缓存的请求 URL。
	Keys(ctx context.Context) ([]string, error)
	// Stats 汇总条目数量与正文字节数，供诊断接口使用。
	Stats(ctx context.Context) (Stats, error)
}

// Stats 描述一个命名空间的占用情况。
type Stats struct {
	Entries   int       `json:"entries"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrNamespaceInvalid 表示命名空间名称无法映射为单级目录。
	ErrNamespaceInvalid = errors.New("invalid cache namespace")
	// ErrNamespaceGone 表示命名空间在写入前已被删除。
	ErrNamespaceGone = errors.New("cache namespace deleted")
	// ErrMethodNotAllowed 表示尝试缓存非 GET 请求。
	ErrMethodNotAllowed = errors.New("only GET requests can be cached")
	// ErrCorruptEntry 表示正文与元数据摘要不一致。
	ErrCorruptEntry = errors.New("cache entry corrupt")
)

// RequestKey 返回请求在缓存中的键：去掉 fragment 的完整 URL。
func RequestKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
