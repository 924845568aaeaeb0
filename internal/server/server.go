package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"vidgate/internal/api"
	"vidgate/internal/serverutil"
	"vidgate/web"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr        string
	TLS         TLSConfig
	RateLimit   RateLimitConfig
	Security    SecurityConfig
	CORS        CORSConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	auditLogger *slog.Logger
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.HandleFunc("/ad", handler.AdPage)
	mux.HandleFunc("/complete-ad", handler.CompleteAd)
	mux.HandleFunc("/webhook/", handler.Webhook)
	mux.HandleFunc("/api/admin/login", handler.AdminLogin)
	mux.HandleFunc("/api/admin/logout", handler.AdminLogout)
	mux.HandleFunc("/api/admin/session", handler.AdminSession)
	mux.HandleFunc("/api/admin/stats", handler.AdminStats)
	mux.HandleFunc("/api/admin/users", handler.AdminUsers)
	mux.HandleFunc("/api/admin/ads", handler.AdminAds)
	mux.HandleFunc("/api/admin/ads/", handler.AdminAdByID)
	mux.HandleFunc("/api/admin/videos", handler.AdminVideos)
	mux.HandleFunc("/api/admin/videos/", handler.AdminVideoByID)
	mux.HandleFunc("/api/admin/broadcast", handler.AdminBroadcast)

	staticFS, err := web.Static()
	if err != nil {
		return nil, fmt.Errorf("load web assets: %w", err)
	}
	index, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		return nil, fmt.Errorf("read web index: %w", err)
	}
	fileServer := http.FileServer(http.FS(staticFS))
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", indexHandler(index))

	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(mux)
	handlerChain = authMiddleware(handler, handlerChain)
	handlerChain = rateLimitMiddleware(rl, cfg.Logger, handlerChain)
	handlerChain = auditMiddleware(cfg.AuditLogger, handlerChain)
	handlerChain = loggingMiddleware(cfg.Logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(corsPolicy, cfg.Logger, handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		auditLogger: cfg.AuditLogger,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Run starts the listener and blocks until the context is cancelled or the
// server fails. Cancellation triggers a graceful shutdown bounded by
// serverutil.DefaultShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	err := serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS: serverutil.TLSConfig{
			CertFile: s.tlsCertFile,
			KeyFile:  s.tlsKeyFile,
		},
	})
	if s.rateLimiter != nil {
		if closeErr := s.rateLimiter.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// Handler exposes the middleware chain, primarily for tests.
func (s *Server) Handler() http.Handler {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Handler
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)
		requestLogger := loggerWithRequestContext(r.Context(), logger)
		requestLogger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", duration.Milliseconds(),
			"remote_ip", extractClientIP(r))
	})
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/admin/login" {
			ip := extractClientIP(r)
			allowed, retryAfter, err := rl.AllowLogin(ip)
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				http.Error(w, "rate limit failure", http.StatusServiceUnavailable)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				http.Error(w, "too many login attempts", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func auditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		if !shouldAudit(r) {
			return
		}
		duration := time.Since(start)
		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"duration_ms", duration.Milliseconds(),
			"remote_ip", extractClientIP(r),
		}
		if adminID, ok := api.AdminFromContext(r.Context()); ok {
			fields = append(fields, "admin", adminID)
		}
		logger.Info("audit", fields...)
	})
}

func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// authMiddleware guards the admin API. Everything outside /api/admin/ is
// public, as are login and the health probe.
func authMiddleware(handler *api.Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if !strings.HasPrefix(path, "/api/admin/") || path == "/api/admin/login" {
			next.ServeHTTP(w, r)
			return
		}
		adminID, err := handler.AuthenticateRequest(r)
		if err != nil {
			api.WriteError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := api.ContextWithAdmin(r.Context(), adminID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func indexHandler(index []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(index)
	}
}
