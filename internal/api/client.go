package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"chatclient/internal/auth"
	"chatclient/internal/metrics"

	"golang.org/x/time/rate"
)

// Error 表示后端返回了非 2xx 状态码。
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api request failed: %d %s", e.Status, strings.TrimSpace(e.Body))
}

// IsStatus 判断 err 是否为指定状态码的 *Error。
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// TokenSource 返回当前会话的 access token，没有会话时返回空串。
type TokenSource func() string

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// WithRateLimit 限制每秒发往后端的请求数，rps <= 0 表示不限制。
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// Client 是带鉴权的后端 REST 客户端，对应前端的 apiRequest。
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
	limiter *rate.Limiter
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		token:   func() string { return "" },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	method string
	path   string
	body   any
	token  string
	form   *multipartBody
}

type multipartBody struct {
	field    string
	filename string
	r        io.Reader
}

// Do 发送 JSON 请求并把响应解码到 out（out 为 nil 或响应为空时跳过解码）。
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, request{method: method, path: path, body: body}, out)
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var (
		payload     io.Reader
		contentType string
	)
	switch {
	case req.form != nil:
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		fw, err := mw.CreateFormFile(req.form.field, req.form.filename)
		if err != nil {
			return err
		}
		if _, err := io.Copy(fw, req.form.r); err != nil {
			return fmt.Errorf("read upload: %w", err)
		}
		if err := mw.Close(); err != nil {
			return err
		}
		payload = buf
		contentType = mw.FormDataContentType()
	case req.body != nil:
		b, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(b)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, payload)
	if err != nil {
		return err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	token := req.token
	if token == "" {
		token = c.token()
	}
	if token != "" {
		httpReq.Header.Set("Authorization", auth.BearerHeader(token))
	}

	start := time.Now()
	endpoint := endpointLabel(req.path)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveAPI(req.method, endpoint, 0, start)
		return fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()
	metrics.ObserveAPI(req.method, endpoint, resp.StatusCode, start)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.method, req.path, err)
	}
	return nil
}

var numericSegment = regexp.MustCompile(`/\d+(/|$)`)

// endpointLabel 把路径中的数字段替换为 :id 并去掉查询串，避免指标标签基数爆炸。
func endpointLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for numericSegment.MatchString(path) {
		path = numericSegment.ReplaceAllString(path, "/:id$1")
	}
	return path
}
