// Package fetch retrieves the bytes behind a cache identifier. Remote
// identifiers (http/https URLs) are downloaded through a shared http.Client
// with bounded retries; anything else is opened as a local file. Callers get a
// stream and decide where it lands, so nothing here touches the cache store.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
)

// Options 控制重试与请求头。
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	UserAgent      string
}

// Request 描述一次远程下载；AuthToken 只用于本次请求头，不会被持久化。
type Request struct {
	URL       string
	AuthToken string
}

// Response 是下载或本地打开后的正文流，调用方负责关闭 Body。
type Response struct {
	Body    io.ReadCloser
	ModTime time.Time
	// Size 是来源声明的长度（Content-Length 或文件大小），未知时为 -1；写入缓存时用于校验截断。
	Size int64
}

// StatusError 表示上游返回了非 200 状态。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Client 封装共享 http.Client 与重试策略。
type Client struct {
	http *http.Client
	opts Options
}

// New 构造下载客户端；client 为空时使用 http.DefaultClient。
func New(client *http.Client, opts Options) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	return &Client{http: client, opts: opts}
}

// IsRemote 判断 identifier 是否为 http/https 绝对地址。
func IsRemote(identifier string) bool {
	u, err := url.Parse(identifier)
	if err != nil || !u.IsAbs() {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Fetch 发起 GET 请求；传输错误、429 与 5xx 会按指数退避重试，其余非 200 状态直接失败。
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	if !IsRemote(req.URL) {
		return nil, fmt.Errorf("fetch %s: not an http(s) url", req.URL)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialBackoff
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.opts.MaxRetries)), ctx)

	var resp *http.Response
	err := backoff.Retry(func() error {
		r, err := c.do(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			return err
		}
		if r.StatusCode == http.StatusOK {
			resp = r
			return nil
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 4096))
		r.Body.Close()

		statusErr := &StatusError{URL: req.URL, StatusCode: r.StatusCode}
		if isRetryableStatus(r.StatusCode) {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}, retry)
	if err != nil {
		return nil, err
	}

	return &Response{
		Body:    resp.Body,
		ModTime: extractModTime(resp.Header),
		Size:    resp.ContentLength,
	}, nil
}

func (c *Client) do(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	if c.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if token := strings.TrimSpace(req.AuthToken); token != "" {
		(&oauth2.Token{AccessToken: token}).SetAuthHeader(httpReq)
	}
	return c.http.Do(httpReq)
}

// OpenLocal 以只读方式打开本地路径或 file:// URI；源文件不会被移动或删除。
func (c *Client) OpenLocal(ctx context.Context, identifier string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := localPath(identifier)
	if path == "" {
		return nil, errors.New("empty local path")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open %s: is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Response{
		Body:    f,
		ModTime: info.ModTime(),
		Size:    info.Size(),
	}, nil
}

func localPath(identifier string) string {
	if u, err := url.Parse(identifier); err == nil && u.Scheme == "file" {
		return u.Path
	}
	return identifier
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func extractModTime(header http.Header) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}
