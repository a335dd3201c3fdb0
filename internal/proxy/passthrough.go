package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
	"github.com/zhengjr9/kb-chat-bff/internal/httputil"
	"github.com/zhengjr9/kb-chat-bff/internal/metrics"
	"github.com/zhengjr9/kb-chat-bff/internal/relay"
)

const maxPassthroughBody = 32 << 20

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Host":                true,
}

// passthrough forwards any other /api request to the backend unchanged.
// Event-stream responses take the same flushing copy as the chat relay.
type passthrough struct {
	relay   *relay.Client
	metrics *metrics.Metrics
}

func (p *passthrough) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPassthroughBody))
	if err != nil {
		apierrors.WriteError(w, fmt.Errorf("%w: %v", apierrors.ErrMalformedBody, err))
		return
	}
	if len(body) == 0 {
		body = nil
	}

	header := http.Header{}
	for k, vs := range r.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		header[k] = vs
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	resp, err := p.relay.Open(r.Context(), &relay.Request{
		Method: r.Method,
		Path:   path,
		Header: header,
		Body:   body,
	})
	if err != nil {
		apierrors.WriteError(w, err)
		return
	}
	defer resp.Close()

	for k, vs := range resp.Header {
		ck := http.CanonicalHeaderKey(k)
		if hopHeaders[ck] || strings.HasPrefix(ck, "Access-Control-") {
			continue
		}
		w.Header()[ck] = vs
	}

	if !resp.OK() || !httputil.IsEventStream(resp.Header) {
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	turn := p.metrics.StartTurn("passthrough")
	httputil.SetSSEHeaders(w)
	w.WriteHeader(resp.StatusCode)
	fw := newFlushWriter(w)
	fw.onWrite = turn.FirstContent
	err = copyStream(fw, resp.Body)
	if err != nil && r.Context().Err() != nil {
		err = context.Canceled
	}
	turn.Finish(err)
}
