package mockgateway

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.body.Write(b)
	return lrw.ResponseWriter.Write(b)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var requestBody bytes.Buffer
		body, err := io.ReadAll(io.TeeReader(r.Body, &requestBody))
		if err != nil {
			logger.ErrorContext(r.Context(), "Error reading request body", "error", err)
		}
		r.Body = io.NopCloser(&requestBody)

		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
		next.ServeHTTP(lrw, r)

		logger.DebugContext(r.Context(), "Gateway request",
			"method", r.Method,
			"path", r.URL.Path,
			"requestBody", string(body),
			"status", lrw.status,
			"responseBody", lrw.body.String(),
		)
	})
}

// callCounter counts requests per path.
type callCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *callCounter) middleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		if c.counts == nil {
			c.counts = make(map[string]int)
		}
		c.counts[r.URL.Path]++
		count := c.counts[r.URL.Path]
		c.mu.Unlock()

		logger.DebugContext(r.Context(), "Endpoint called", "path", r.URL.Path, "count", count)
		next.ServeHTTP(w, r)
	})
}

func (c *callCounter) get(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[path]
}
