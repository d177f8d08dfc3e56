package fetch

import (
	"net/http"
	"time"
)

// ResponseType 对应响应相对于源站的分类，策略只依据 Status 与 Type 做决策。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Response 是缓冲后的完整响应。Body 在构造后视为只读，需要修改时先 Clone。
type Response struct {
	URL    string
	Status int
	Type   ResponseType
	Header http.Header
	Body   []byte
	// StoredAt 仅对缓存命中有效，网络响应为零值。
	StoredAt time.Time
}

// OK 报告响应是否为可用的 2xx 结果；opaque 响应的状态对策略不可见，视为不可用。
func (r *Response) OK() bool {
	if r == nil || r.Type == TypeOpaque || r.Type == TypeError {
		return false
	}
	return r.Status >= 200 && r.Status < 300
}

// Clone 深拷贝响应，缓存写入与返回调用方的两份互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}
