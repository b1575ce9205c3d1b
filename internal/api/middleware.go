/**
 * @description
 * Custom middleware for the escrow-service router: HS256 bearer authentication that resolves
 * the caller's capability set once per request, and a Prometheus request recorder.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and validation.
 * - github.com/go-chi/chi/v5: route patterns and the wrapped response writer.
 */

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// ActorContextKey is a custom type for the context key to avoid collisions.
type ActorContextKey string

const actorKey ActorContextKey = "escrowActor"

// ActorResolver loads the roles of an authenticated user.
type ActorResolver interface {
	ResolveActor(ctx context.Context, userID int64) (domain.Actor, error)
}

// AuthMiddleware validates HS256 bearer tokens whose subject is the numeric user id, then
// places the resolved actor in the request context.
func AuthMiddleware(secret []byte, resolver ActorResolver, logger logrus.FieldLogger) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format")
				return
			}

			userID, err := parseSubject(parser, secret, tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", fmt.Sprintf("Invalid token: %v", err))
				return
			}

			actor, err := resolver.ResolveActor(r.Context(), userID)
			if err != nil {
				logger.WithField("user_id", userID).WithError(err).Error("resolve actor failed")
				writeError(w, http.StatusInternalServerError, "internal", "Unable to load account")
				return
			}

			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseSubject(parser *jwt.Parser, secret []byte, tokenString string) (int64, error) {
	claims := jwt.RegisteredClaims{}
	token, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return 0, err
	}
	if !token.Valid {
		return 0, errors.New("token is not valid")
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, errors.New("subject is not a user id")
	}
	return userID, nil
}

// ActorFromContext retrieves the authenticated actor from the request context.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(domain.Actor)
	return actor, ok
}

// MetricsMiddleware records one counter sample and one latency sample per request, labelled
// by the matched route pattern.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
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
			m.ObserveHTTP(r.Method, route, strconv.Itoa(status), time.Since(start).Seconds())
		})
	}
}
