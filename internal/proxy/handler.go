package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/guide-cache/internal/fetch"
	"github.com/any-hub/guide-cache/internal/logging"
	"github.com/any-hub/guide-cache/internal/server"
)

// Dispatcher 把请求交给控制该客户端的 worker 版本，由 host.Host 实现。
type Dispatcher interface {
	// Dispatch 返回处理该请求的版本名称，空字符串表示需要直连网络。
	Dispatch(ctx context.Context, clientID, requestID string, req *http.Request) (*fetch.Response, string, error)
}

// Handler 负责把 Fiber 请求转换为 fetch 事件：受控客户端交给 worker，
// 其余请求（未受控、非 GET 等）直接透传源站且不写缓存。
type Handler struct {
	dispatcher Dispatcher
	fetcher    fetch.Fetcher
	origin     *url.URL
	logger     *logrus.Logger
}

// NewHandler constructs a proxy handler in front of origin.
func NewHandler(dispatcher Dispatcher, fetcher fetch.Fetcher, origin *url.URL, logger *logrus.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		fetcher:    fetcher,
		origin:     origin,
		logger:     logger,
	}
}

// Handle 实现 server.ProxyHandler；处理过程中的 panic 会转换为 500 响应。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	clientID := server.ClientID(c)
	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, requestID, clientID, r)
		}
	}()

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildRequest(ctx, c, h.origin)
	if err != nil {
		h.logResult(req, requestID, clientID, fiber.StatusBadRequest, false, "", started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	resp, version, err := h.dispatcher.Dispatch(ctx, clientID, requestID, req)
	if version == "" {
		resp, err = h.fetcher.Fetch(ctx, req)
	}
	if err != nil || resp == nil {
		if err == nil {
			err = errors.New("empty response")
		}
		h.logResult(req, requestID, clientID, fiber.StatusBadGateway, false, version, started, err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "network_error")
	}

	cacheHit := !resp.StoredAt.IsZero()
	err = writeResponse(c, resp, cacheHit, version, requestID)
	h.logResult(req, requestID, clientID, resp.Status, cacheHit, version, started, err)
	return err
}

// buildRequest 以源站为基准重建请求 URL，复制请求头与正文。
// Fiber 会复用底层缓冲区，这里的字符串与字节切片都需要独立副本。
func buildRequest(ctx context.Context, c fiber.Ctx, origin *url.URL) (*http.Request, error) {
	uri := c.Request().URI()
	target := resolveTargetURL(origin, string(uri.Path()), string(uri.QueryString()))

	var body io.Reader = http.NoBody
	raw := c.Body()
	if len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = fiberHeadersAsHTTP(c)
	req.Header.Del(fiber.HeaderHost)
	req.ContentLength = int64(len(raw))
	return req, nil
}

func resolveTargetURL(origin *url.URL, rawPath, rawQuery string) *url.URL {
	if rawPath == "" {
		rawPath = "/"
	}
	clean := path.Clean("/" + rawPath)
	// path.Clean 会去掉末尾斜杠，目录请求需要保留。
	if clean != "/" && rawPath[len(rawPath)-1] == '/' {
		clean += "/"
	}
	relative := &url.URL{Path: clean, RawQuery: rawQuery}
	if origin == nil {
		return relative
	}
	return origin.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if fetch.IsHopByHopHeader(k) {
			return
		}
		header.Add(k, string(value))
	})
	return header
}

func writeResponse(c fiber.Ctx, resp *fetch.Response, cacheHit bool, version, requestID string) error {
	for key, values := range resp.Header {
		if fetch.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	if resp.Header.Get(fiber.HeaderContentType) == "" {
		c.Response().Header.SetNoDefaultContentType(true)
	}
	c.Set("X-Guide-Cache-Hit", fmt.Sprintf("%t", cacheHit))
	if version != "" {
		c.Set("X-Guide-Cache-Version", version)
	}
	setRequestIDHeader(c, requestID)

	status := resp.Status
	if status <= 0 {
		status = fiber.StatusOK
	}
	return c.Status(status).Send(resp.Body)
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) respondPanic(c fiber.Ctx, requestID, clientID string, recovered any) error {
	fields := logging.RequestFields(requestID, clientID, c.Method(), string(c.Request().URI().Path()), false)
	fields["action"] = "proxy"
	fields["error"] = "handler_panic"
	h.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
	setRequestIDHeader(c, requestID)
	return h.writeError(c, fiber.StatusInternalServerError, "handler_panic")
}

func (h *Handler) logResult(req *http.Request, requestID, clientID string, status int, cacheHit bool, version string, started time.Time, err error) {
	method, target := "", ""
	if req != nil {
		method = req.Method
		target = req.URL.String()
	}
	fields := logging.RequestFields(requestID, clientID, method, target, cacheHit)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["controlled"] = version != ""
	if version != "" {
		fields["cache"] = version
	}
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
