package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tillpoint/possync/internal/models"
)

type contextKey string

const actorContextKey contextKey = "actor"

var ErrNoActor = errors.New("no actor in request context")

// ActorClaims are the token claims the sync service consumes. Token issuance
// and account management live in the auth service; this middleware only
// verifies and extracts.
type ActorClaims struct {
	StoreID uuid.UUID `json:"store_id"`
	jwt.RegisteredClaims
}

// ActorMiddleware resolves the actor (user + store) once from the bearer
// token and places it on the request context. Handlers never re-derive it.
func ActorMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims := &ActorClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil || claims.StoreID == uuid.Nil {
				writeError(w, http.StatusUnauthorized, "token missing actor claims")
				return
			}

			actor := models.Actor{UserID: userID, StoreID: claims.StoreID}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
		})
	}
}

func withActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext returns the actor resolved by ActorMiddleware.
func ActorFromContext(ctx context.Context) (models.Actor, error) {
	actor, ok := ctx.Value(actorContextKey).(models.Actor)
	if !ok {
		return models.Actor{}, ErrNoActor
	}
	return actor, nil
}
