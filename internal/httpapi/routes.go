package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/DoyleJ11/tabletop-backend/internal/hub"
	"github.com/DoyleJ11/tabletop-backend/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Deps struct {
	Hub               *hub.Hub
	Sessions          SessionCounter
	DB                Pinger
	DatabaseDriver    string
	ContentConfigured bool
	AllowedOrigins    []string
	WS                ws.Options
	Logger            *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	log := d.Logger.Named("http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(withCORS(d.AllowedOrigins))

	// Public routes
	r.Get("/health", Health(d.Hub, d.Sessions, d.DB, log))
	r.Get("/api/config/check", ConfigCheck(d.DatabaseDriver, d.ContentConfigured, log))

	wsOpts := d.WS
	if wsOpts.OriginPatterns == nil {
		wsOpts.OriginPatterns = originPatterns(d.AllowedOrigins)
	}
	if wsOpts.Logger == nil {
		wsOpts.Logger = d.Logger
	}
	r.Get("/ws", ws.Handler(d.Hub, wsOpts))
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// withCORS answers preflights and sets the allowed origin plus the usual
// security headers on every response.
func withCORS(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if match := matchOrigin(allowed, origin); origin != "" && match != "" {
				w.Header().Set("Access-Control-Allow-Origin", match)
				if match != "*" {
					w.Header().Set("Vary", "Origin")
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}

			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func matchOrigin(allowed []string, origin string) string {
	all := false
	for _, a := range allowed {
		if a == "*" {
			all = true
			continue
		}
		if origin != "" && strings.EqualFold(a, origin) {
			return a
		}
	}
	if all {
		return "*"
	}
	return ""
}

// originPatterns turns full origins into the host patterns websocket.Accept
// matches against.
func originPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a == "*" {
			return []string{"*"}
		}
		if _, host, ok := strings.Cut(a, "://"); ok {
			a = host
		}
		out = append(out, a)
	}
	return out
}
