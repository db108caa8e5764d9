package stream

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// writeSSE frames one event on the wire and flushes it. Data is split across
// data: lines when it contains newlines, as the SSE format requires.
func writeSSE(w io.Writer, flusher http.Flusher, event string, data []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", event)
	for _, line := range bytes.Split(data, []byte("\n")) {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteByte('\n')
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
