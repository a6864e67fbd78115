package imapclient

import (
	"io"
	"sync"
)

// stream is the byte pipe under the dialogue engine. Two implementations
// exist: the raw TCP/TLS connection and a tracing wrapper around it.
type stream interface {
	io.Reader
	io.Writer
}

// traceStream copies every send and receive verbatim to a sink, prefixed by
// `C:` and `S:` respectively. Used by --debug.
type traceStream struct {
	inner stream

	mu   sync.Mutex
	sink io.Writer
}

func newTraceStream(inner stream, sink io.Writer) *traceStream {
	return &traceStream{inner: inner, sink: sink}
}

func (t *traceStream) dump(prefix string, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.sink.Write([]byte(prefix))
	_, _ = t.sink.Write(data)
	if len(data) == 0 || data[len(data)-1] != '\n' {
		_, _ = t.sink.Write([]byte("\n"))
	}
}

func (t *traceStream) Read(p []byte) (int, error) {
	n, err := t.inner.Read(p)
	if n > 0 {
		t.dump("S: ", p[:n])
	}
	return n, err
}

func (t *traceStream) Write(p []byte) (int, error) {
	n, err := t.inner.Write(p)
	if n > 0 {
		t.dump("C: ", p[:n])
	}
	return n, err
}
