package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/ipfs-edge/internal/config"
)

// RedirectMode 控制抓取方是否跟随重定向。
type RedirectMode string

const (
	RedirectManual RedirectMode = "manual"
	RedirectFollow RedirectMode = "follow"
)

// ProgressEvent 是抓取过程中的进度通知。
type ProgressEvent struct {
	Type   string
	Detail string
}

// Request 是交给 Fetcher 的一次内容请求。
type Request struct {
	URL        *url.URL
	Method     string
	Header     http.Header
	Redirect   RedirectMode
	OnProgress func(ProgressEvent)
}

// Fetcher 是经过校验的内容抓取能力，由外部实现。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*http.Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*http.Response, error) {
	return f(ctx, req)
}

// Factory 根据内容配置构建 Fetcher，每次激活或重载调用一次。
type Factory func(ctx context.Context, cfg config.ContentConfig) (Fetcher, error)

// NewResponse 构造一个内存中的响应。
func NewResponse(status int, contentType, body string) *http.Response {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// StatusText 返回响应的原因短语，优先使用上游给出的文本。
func StatusText(resp *http.Response) string {
	if resp.Status != "" {
		if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
			return text
		}
	}
	return http.StatusText(resp.StatusCode)
}
