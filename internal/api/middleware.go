/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer JWT
 * authentication, internal API key checks, role and membership guards, and
 * request metrics.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HS256 token verification.
 * - github.com/prometheus/client_golang: request counters and latency histograms.
 */

package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adhub/core-service/internal/domain"
)

type contextKey string

const (
	actorContextKey = contextKey("actor")
	orgContextKey   = contextKey("organizationID")
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adhub_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adhub_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Claims are the bearer token claims issued by the identity provider.
type Claims struct {
	Role            string   `json:"role"`
	OrganizationIDs []string `json:"org_ids"`
	jwt.RegisteredClaims
}

// AuthConfig configures bearer token verification. Issuer and Audience are
// enforced only when set.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// JWTAuthMiddleware validates HS256 bearer tokens and injects the actor into context.
func JWTAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	key := []byte(cfg.Secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			if len(key) == 0 {
				respondWithError(w, http.StatusUnauthorized, "Token verification is not configured")
				return
			}

			var claims Claims
			token, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil || !token.Valid {
				respondWithError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			actor, err := actorFromClaims(claims)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), actorContextKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromClaims(claims Claims) (domain.Actor, error) {
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return domain.Actor{}, domain.Validationf("token subject is not a valid user id")
	}
	actor := domain.Actor{ID: userID, Role: strings.ToLower(strings.TrimSpace(claims.Role))}
	if actor.Role == "" {
		actor.Role = domain.RoleMember
	}
	for _, raw := range claims.OrganizationIDs {
		orgID, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		actor.OrganizationIDs = append(actor.OrganizationIDs, orgID)
	}
	return actor, nil
}

// ActorFromContext retrieves the authenticated actor from the request context.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(domain.Actor)
	return actor, ok
}

// RequireAdmin rejects actors without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			respondWithError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if !actor.IsAdmin() {
			respondWithError(w, http.StatusForbidden, "Admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireMembership resolves {orgID} and rejects actors outside the organization.
func RequireMembership(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			respondWithError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		orgID, err := uuid.Parse(chi.URLParam(r, "orgID"))
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid organization id")
			return
		}
		if !actor.CanAccess(orgID) {
			respondWithError(w, http.StatusForbidden, "Not a member of this organization")
			return
		}
		ctx := context.WithValue(r.Context(), orgContextKey, orgID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func organizationFromContext(ctx context.Context) uuid.UUID {
	orgID, _ := ctx.Value(orgContextKey).(uuid.UUID)
	return orgID
}

// InternalAuthMiddleware validates the internal API key for server-to-server
// calls. An unset key rejects every call.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request counts and latency labelled by route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
	})
}
