package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ETagMiddleware adds content ETags to JSON GET responses under /api/ and
// answers matching If-None-Match requests with 304
type ETagMiddleware struct {
	logger *zap.Logger
	maxAge int
}

// NewETagMiddleware creates a new ETag middleware. maxAge is the
// Cache-Control max-age in seconds, usually the sink resolution.
func NewETagMiddleware(logger *zap.Logger, maxAge int) *ETagMiddleware {
	return &ETagMiddleware{
		logger: logger,
		maxAge: maxAge,
	}
}

// Middleware returns the ETag middleware handler
func (em *ETagMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		recorder := &etagRecorder{header: make(http.Header), status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		for k, v := range recorder.header {
			w.Header()[k] = v
		}

		if recorder.status != http.StatusOK || len(recorder.body) == 0 {
			w.WriteHeader(recorder.status)
			_, _ = w.Write(recorder.body)
			return
		}

		etag := calculateETag(recorder.body)
		w.Header().Set("ETag", fmt.Sprintf(`"%s"`, etag))
		w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", em.maxAge))

		if clientETag := r.Header.Get("If-None-Match"); clientETag != "" && etagMatches(clientETag, etag) {
			em.logger.Debug("ETag matched, serving 304",
				zap.String("path", r.URL.Path),
				zap.String("etag", etag),
				zap.String("request_id", middleware.GetReqID(r.Context())))
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(recorder.body)
	})
}

func calculateETag(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:16]
}

// etagMatches handles quoted, weak and comma-separated If-None-Match values
func etagMatches(clientETag, serverETag string) bool {
	for _, candidate := range strings.Split(clientETag, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == "*" || candidate == serverETag {
			return true
		}
	}
	return false
}

// etagRecorder buffers a response so its ETag can be computed before sending
type etagRecorder struct {
	header http.Header
	status int
	body   []byte
}

func (r *etagRecorder) Header() http.Header {
	return r.header
}

func (r *etagRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
}

func (r *etagRecorder) Write(data []byte) (int, error) {
	r.body = append(r.body, data...)
	return len(data), nil
}
