package sse

import (
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
)

// WriteEvent writes one named event with a JSON payload and flushes.
func WriteEvent(w io.Writer, event string, payload any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event, err)
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	return WriteData(w, data)
}

// WriteData writes an unnamed data frame and flushes.
func WriteData(w io.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	Flush(w)
	return nil
}

// WriteDone writes the [DONE] sentinel frame.
func WriteDone(w io.Writer) error {
	return WriteData(w, []byte(DoneSentinel))
}

// Flush flushes w when it supports it.
func Flush(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
