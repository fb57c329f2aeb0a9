// Package middleware holds the HTTP middleware shared by every route group.
package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/auth"
	"github.com/saltyorg/markerplow/internal/metrics"
)

// Logger logs every request and records it in the HTTP metrics under its
// route pattern. Server errors log at warn, everything else at debug.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				// Handlers that never write still answer 200
				status = http.StatusOK
			}
			route := routePattern(r)
			metrics.RecordHTTPRequest(route, status, elapsed)

			level := zerolog.DebugLevel
			if status >= http.StatusInternalServerError {
				level = zerolog.WarnLevel
			}
			log.WithLevel(level).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", status).
				Dur("duration", elapsed).
				Str("remote", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("Request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// routePattern is the matched chi pattern, so /api/episodes/{id}/markers is
// one metric series rather than one per episode
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// KeyValidator checks API keys
type KeyValidator interface {
	Validate(key string) (bool, error)
}

// APIKey is a middleware that requires a valid API key in the X-Api-Key header
// or the apikey query parameter.
func APIKey(validator KeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Api-Key")
			if key == "" {
				key = r.URL.Query().Get("apikey")
			}
			if key == "" {
				jsonError(w, "API key required", http.StatusUnauthorized)
				return
			}

			valid, err := validator.Validate(key)
			if errors.Is(err, auth.ErrNoAPIKey) {
				jsonError(w, "No API key configured, run `markerplow apikey`", http.StatusUnauthorized)
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("Failed to validate API key")
				jsonError(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !valid {
				log.Debug().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("Rejected invalid API key")
				jsonError(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// ParseSubnets parses a comma separated CIDR list. An empty list allows every source.
func ParseSubnets(raw string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for part := range strings.SplitSeq(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, n, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid subnet %q: %w", part, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// AllowSubnets rejects connections whose source is outside every allowed
// subnet. It checks RemoteAddr, the direct peer, so it must run before
// RealIP rewrites it. No subnets means no restriction.
func AllowSubnets(allowed []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			ip := net.ParseIP(host)
			if ip == nil {
				log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Could not parse remote address")
				jsonError(w, "Forbidden", http.StatusForbidden)
				return
			}

			for _, n := range allowed {
				if n.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}

			log.Warn().
				Str("remote_addr", r.RemoteAddr).
				Int("allowed_subnets", len(allowed)).
				Msg("Connection rejected: source IP not in an allowed subnet")
			jsonError(w, "Forbidden", http.StatusForbidden)
		})
	}
}
