package api

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gatekeeper/internal/auth"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	// ctxKeyRequestID is the context key for the request ID.
	ctxKeyRequestID contextKey = "request_id"

	// ctxKeyIdentity is the context key for the authenticated caller.
	ctxKeyIdentity contextKey = "identity"
)

// outcomeOK is the outcome recorded for a successful authentication.
const outcomeOK = "ok"

// IdentityFromContext returns the identity bound to the request, or nil for
// an anonymous request.
func IdentityFromContext(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(*auth.Identity)
	return id
}

func withIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// requestIDMiddleware generates a unique request ID for each request.
// If the client sends an X-Request-ID header, it is used; otherwise one is generated.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each HTTP request with method, path, status, and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		)
	})
}

// recoveryMiddleware catches panics in handlers and returns a 500 response.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestIDFromContext(r.Context()),
				)
				writeInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles Cross-Origin Resource Sharing headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", joinOrDefault(s.cfg.CORS.AllowedMethods, "GET, POST, PUT, PATCH, DELETE, OPTIONS"))
			w.Header().Set("Access-Control-Allow-Headers", joinOrDefault(s.cfg.CORS.AllowedHeaders, "Authorization, Content-Type, X-Request-ID, X-Api-Key"))
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Add("Vary", "Origin")
		}

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// bodySizeLimitMiddleware limits the size of incoming request bodies.
func (s *Server) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// bearerAuthMiddleware accepts only the bearer scheme.
func (s *Server) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.authenticator.AuthenticateBearer(r.Context(), r.Header.Get("Authorization"))
		s.finishAuth(w, r, next, auth.SchemeBearer, id, err)
	})
}

// flexibleAuthMiddleware accepts a bearer token or an API key.
func (s *Server) flexibleAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.authenticator.Authenticate(r.Context(), r)
		s.finishAuth(w, r, next, presentedScheme(r), id, err)
	})
}

// optionalAuthMiddleware binds an identity when credentials verify and
// otherwise lets the request through anonymously. Failures, including an
// unreachable credential store, are logged and counted but never rejected.
func (s *Server) optionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme := presentedScheme(r)
		if scheme == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := s.authenticator.Authenticate(r.Context(), r)
		if err != nil {
			s.logAuthFailure(r, scheme, err)
			next.ServeHTTP(w, r)
			return
		}
		s.recordOutcome(id.Scheme, outcomeOK)
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// finishAuth records the outcome of an authentication attempt and either
// rejects the request or continues with the identity bound.
func (s *Server) finishAuth(w http.ResponseWriter, r *http.Request, next http.Handler, scheme auth.Scheme, id *auth.Identity, err error) {
	if err != nil {
		s.logAuthFailure(r, scheme, err)
		writeAuthError(w, err)
		return
	}

	s.recordOutcome(id.Scheme, outcomeOK)
	next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
}

// logAuthFailure logs and counts a failed authentication attempt.
func (s *Server) logAuthFailure(r *http.Request, scheme auth.Scheme, err error) {
	code := outcomeCode(err)
	s.recordOutcome(scheme, code)
	s.logger.Warn("authentication failed",
		"ip", clientIP(r),
		"path", r.URL.Path,
		"method", r.Method,
		"request_id", requestIDFromContext(r.Context()),
		"scheme", scheme,
		"code", code,
		"error", err,
	)
}

// requireRole rejects callers whose role is not in roles.
func (s *Server) requireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := auth.RequireRole(IdentityFromContext(r.Context()), roles...)
			if !d.Allow {
				s.denied(w, r, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireOwnerOrAdmin rejects callers that are neither the user named by the
// route parameter param nor an admin.
func (s *Server) requireOwnerOrAdmin(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := auth.RequireOwnerOrAdmin(IdentityFromContext(r.Context()), chi.URLParam(r, param))
			if !d.Allow {
				s.denied(w, r, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) denied(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	var subject string
	var scheme auth.Scheme
	if id := IdentityFromContext(r.Context()); id != nil {
		subject = id.ID
		scheme = id.Scheme
	}
	s.logger.Warn("authorisation denied",
		"ip", clientIP(r),
		"path", r.URL.Path,
		"method", r.Method,
		"request_id", requestIDFromContext(r.Context()),
		"scheme", scheme,
		"subject", subject,
		"error", d.Err(),
	)
	writeAuthError(w, d.Err())
}

// recordOutcome reports an authentication outcome to the metrics sink.
func (s *Server) recordOutcome(scheme auth.Scheme, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.WriteAuthOutcome(string(scheme), outcome)
}

// outcomeCode returns the error code an auth failure renders as.
func outcomeCode(err error) string {
	if f, ok := classifyAuthError(err); ok {
		return f.code
	}
	return ErrCodeInternal
}

// presentedScheme reports which scheme the request attempts, using the same
// precedence as auth.Authenticator.Authenticate.
func presentedScheme(r *http.Request) auth.Scheme {
	switch {
	case r.Header.Get("Authorization") != "":
		return auth.SchemeBearer
	case r.Header.Get(auth.HeaderAPIKey) != "":
		return auth.SchemeAPIKey
	default:
		return ""
	}
}

// clientIP returns the remote address without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// maxDeviceInfoLength caps the User-Agent stored with a session.
const maxDeviceInfoLength = 255

// sessionMeta describes the client behind r.
func sessionMeta(r *http.Request) auth.SessionMeta {
	ua := r.UserAgent()
	if len(ua) > maxDeviceInfoLength {
		ua = ua[:maxDeviceInfoLength]
	}
	return auth.SessionMeta{DeviceInfo: ua, IPAddress: clientIP(r)}
}

// isAllowedOrigin checks if the origin is in the allowed list.
// An empty list allows all origins (dev mode).
func (s *Server) isAllowedOrigin(origin string) bool {
	if len(s.cfg.CORS.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

const (
	// requestIDBytes is the number of random bytes used for request IDs.
	requestIDBytes = 8

	// maxRequestIDLength bounds client-supplied request IDs.
	maxRequestIDLength = 64
)

// generateRequestID creates a random hex request ID.
func generateRequestID() string {
	b := make([]byte, requestIDBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}

// joinOrDefault joins a string slice with ", " or returns the default if empty.
func joinOrDefault(values []string, defaultVal string) string {
	if len(values) == 0 {
		return defaultVal
	}
	return strings.Join(values, ", ")
}
