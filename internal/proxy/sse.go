package proxy

import (
	"io"
	"net/http"
)

// flushWriter wraps http.ResponseWriter and flushes after every write, so
// relayed event-stream bytes reach the client as soon as they arrive. Flush
// is a no-op when the underlying writer does not implement http.Flusher.
type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	// onWrite, when set, runs before the first write.
	onWrite func()
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	return fw
}

func (fw *flushWriter) Header() http.Header  { return fw.w.Header() }
func (fw *flushWriter) WriteHeader(code int) { fw.w.WriteHeader(code) }

func (fw *flushWriter) Write(p []byte) (int, error) {
	if fw.onWrite != nil {
		fw.onWrite()
		fw.onWrite = nil
	}
	n, err := fw.w.Write(p)
	fw.Flush()
	return n, err
}

func (fw *flushWriter) Flush() {
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
}

// copyStream relays src to w chunk by chunk. It stops at EOF or on the first
// read or write error; a client disconnect surfaces as a read error once the
// request context is cancelled.
func copyStream(w *flushWriter, src io.Reader) error {
	buf := make([]byte, 4<<10)
	_, err := io.CopyBuffer(struct{ io.Writer }{w}, src, buf)
	return err
}
