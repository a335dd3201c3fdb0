package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
)

// Request describes one outbound call. Either Path (joined to the client's
// base URL) or URL (absolute) must be set.
type Request struct {
	Method string
	Path   string
	URL    string
	Header http.Header
	Body   []byte
	// Timeout overrides the client default. It bounds the whole exchange,
	// including reading a streamed body.
	Timeout time.Duration
}

// Response is an open upstream response. The body is relayed as-is; a non-2xx
// status is not an error at this layer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.Reader

	body     io.ReadCloser
	cancel   context.CancelFunc
	once     sync.Once
	canceled bool
	mu       sync.Mutex
}

// OK reports whether the upstream answered 2xx.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Cancel aborts the exchange. Pending and future reads on Body return
// promptly. Safe to call more than once and from any goroutine.
func (r *Response) Cancel() {
	r.mu.Lock()
	r.canceled = true
	r.mu.Unlock()
	r.release()
}

// Canceled reports whether Cancel was called.
func (r *Response) Canceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// Close releases the connection after a normal end of stream.
func (r *Response) Close() error {
	r.release()
	return nil
}

func (r *Response) release() {
	r.once.Do(func() {
		r.cancel()
		_ = r.body.Close()
	})
}

// Client opens requests against the knowledge-base backend.
type Client struct {
	baseURL string
	timeout time.Duration
	creds   CredentialProvider
	// httpClient has no Timeout; deadlines travel on the request context so
	// that streamed bodies are covered too.
	httpClient *http.Client
}

// NewClient constructs a Client with the given base URL, default timeout,
// optional proxy URL and credential provider. proxyURL may be empty to use the
// default environment proxy.
func NewClient(baseURL string, timeout time.Duration, proxyURL string, creds CredentialProvider) *Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}
	if creds == nil {
		creds = StaticToken("")
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		creds:      creds,
		httpClient: &http.Client{Transport: transport},
	}
}

// Open sends req and returns the response once headers arrive. The caller
// must Close or Cancel the response.
func (c *Client) Open(ctx context.Context, req *Request) (*Response, error) {
	target := req.URL
	if target == "" {
		target = c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		cancel()
		return nil, &apierrors.TransportError{Op: method, URL: target, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &apierrors.TransportError{Op: method, URL: target, Timeout: isTimeout(ctx, err), Err: err}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		body:       resp.Body,
		cancel:     cancel,
	}
	out.Body = &bodyReader{resp: out, ctx: ctx, op: method, url: target}
	return out, nil
}

// authorize sets Authorization and x-token from the credential provider
// unless the caller already supplied an Authorization header.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if auth := req.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok && req.Header.Get("x-token") == "" {
			req.Header.Set("x-token", tok)
		}
		return nil
	}
	tok, err := c.creds.Token(ctx)
	if err != nil {
		return err
	}
	if tok == "" {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("x-token", tok)
	return nil
}

// bodyReader converts read failures caused by timeout or abort into
// TransportErrors, so the decoder can tell them apart from a clean EOF.
type bodyReader struct {
	resp *Response
	ctx  context.Context
	op   string
	url  string
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.resp.body.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if b.resp.Canceled() {
		return n, &apierrors.TransportError{Op: b.op, URL: b.url, Err: context.Canceled}
	}
	return n, &apierrors.TransportError{Op: b.op, URL: b.url, Timeout: isTimeout(b.ctx, err), Err: err}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
