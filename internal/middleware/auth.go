package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruralpay/walletledger/internal/services"
)

const RoleAdmin = "admin"

type contextKey string

const (
	actorKey contextKey = "actor"
	roleKey  contextKey = "role"
)

// Auth validates HS256 bearer tokens. The actor comes from "sub", falling
// back to "user_id"; the role from "role".
type Auth struct {
	secret []byte
}

func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			services.SendErrorResponse(w, "Authorization header required", http.StatusUnauthorized, nil)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			services.SendErrorResponse(w, "Invalid authorization header format", http.StatusUnauthorized, nil)
			return
		}

		actor, role, err := a.validateToken(parts[1])
		if err != nil {
			services.SendErrorResponse(w, "Invalid token", http.StatusUnauthorized, nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), actor, role)))
	})
}

func (a *Auth) validateToken(tokenString string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", err
	}
	if !token.Valid {
		return "", "", errors.New("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("unexpected claims type")
	}

	actor, _ := claims.GetSubject()
	if actor == "" {
		if id, ok := claims["user_id"]; ok {
			actor = fmt.Sprintf("%v", id)
		}
	}
	if actor == "" {
		return "", "", errors.New("token has no subject")
	}

	role, _ := claims["role"].(string)
	return actor, role, nil
}

// RequireRole rejects requests whose token does not carry role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if RoleFrom(r.Context()) != role {
				services.SendErrorResponse(w, "Insufficient permissions", http.StatusForbidden, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithIdentity(ctx context.Context, actor, role string) context.Context {
	ctx = context.WithValue(ctx, actorKey, actor)
	return context.WithValue(ctx, roleKey, role)
}

func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}

func RoleFrom(ctx context.Context) string {
	role, _ := ctx.Value(roleKey).(string)
	return role
}
