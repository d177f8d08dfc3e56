package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrNetwork 表示请求未能得到任何 HTTP 响应（连接失败、超时、读取中断）。
var ErrNetwork = errors.New("network request failed")

// Fetcher 是策略访问网络的唯一入口，测试中可注入 FetcherFunc。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher 通过共享 http.Client 访问网络，并以 origin 判断响应类型。
type HTTPFetcher struct {
	client    *http.Client
	origin    *url.URL
	userAgent string
}

// NewHTTPFetcher 构造网络访问器；origin 为空时所有响应都视为 basic。
func NewHTTPFetcher(client *http.Client, origin *url.URL, userAgent string) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{
		client:    client,
		origin:    origin,
		userAgent: userAgent,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: request url required")
	}

	out, err := f.outbound(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNetwork, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetwork, req.URL.Redacted(), err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	// Body 已被完整缓冲并可能经过透明解压，原长度不再可信。
	header.Del("Content-Length")

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &Response{
		URL:    finalURL.String(),
		Status: resp.StatusCode,
		Type:   f.classify(finalURL, resp.Header),
		Header: header,
		Body:   body,
	}, nil
}

func (f *HTTPFetcher) outbound(ctx context.Context, req *http.Request) (*http.Request, error) {
	body := io.Reader(http.NoBody)
	if req.Body != nil && req.Body != http.NoBody {
		body = req.Body
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(out.Header, req.Header)
	out.Header.Del("Accept-Encoding")
	out.Header.Del("Host")
	out.ContentLength = req.ContentLength
	if out.Header.Get("User-Agent") == "" && f.userAgent != "" {
		out.Header.Set("User-Agent", f.userAgent)
	}
	return out, nil
}

func (f *HTTPFetcher) classify(target *url.URL, header http.Header) ResponseType {
	if SameOrigin(f.origin, target) {
		return TypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}

// SameOrigin 比较 scheme 与 host（含端口）；origin 为空时视为同源。
func SameOrigin(origin, target *url.URL) bool {
	if origin == nil {
		return true
	}
	if target == nil {
		return false
	}
	return strings.EqualFold(origin.Scheme, target.Scheme) && strings.EqualFold(origin.Host, target.Host)
}
