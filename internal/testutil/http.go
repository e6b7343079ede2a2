package testutil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
)

// RoundTripHandler serves requests straight from an http.Handler. The whole
// response is buffered, so it does not suit endless streams; use
// StreamRecorder for those.
type RoundTripHandler struct {
	Handler http.Handler
}

func (rt *RoundTripHandler) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: &RoundTripHandler{Handler: handler}}
}

// StreamRecorder is a ResponseWriter whose body is readable while the
// handler is still writing. Writes block until Body is read.
type StreamRecorder struct {
	Body io.ReadCloser

	header      http.Header
	writer      *io.PipeWriter
	once        sync.Once
	status      atomic.Int32
	flushes     atomic.Int32
	wroteHeader chan struct{}
}

func NewStreamRecorder() *StreamRecorder {
	r, w := io.Pipe()
	return &StreamRecorder{
		Body:        r,
		header:      make(http.Header),
		writer:      w,
		wroteHeader: make(chan struct{}),
	}
}

func (sr *StreamRecorder) Header() http.Header {
	return sr.header
}

func (sr *StreamRecorder) WriteHeader(statusCode int) {
	sr.once.Do(func() {
		sr.status.Store(int32(statusCode))
		close(sr.wroteHeader)
	})
}

func (sr *StreamRecorder) Write(p []byte) (int, error) {
	sr.WriteHeader(http.StatusOK)
	return sr.writer.Write(p)
}

func (sr *StreamRecorder) Flush() {
	sr.flushes.Add(1)
}

// Started is closed once the handler committed its status.
func (sr *StreamRecorder) Started() <-chan struct{} {
	return sr.wroteHeader
}

func (sr *StreamRecorder) Status() int {
	return int(sr.status.Load())
}

func (sr *StreamRecorder) Flushes() int {
	return int(sr.flushes.Load())
}

// Close ends the body; readers see io.EOF after the buffered data.
func (sr *StreamRecorder) Close() error {
	return sr.writer.Close()
}

func NewRequest(ctx context.Context, method, path string, body []byte) *http.Request {
	return httptest.NewRequestWithContext(ctx, method, "http://in-process"+path, bytes.NewReader(body))
}
