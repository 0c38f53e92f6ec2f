package escrowd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// Role represents an authorized persona within the marketplace.
type Role string

// Supported roles for the escrow service.
const (
	RoleCreator  Role = "creator"
	RoleWorker   Role = "worker"
	RoleOperator Role = "operator"
)

var allowedRoles = map[Role]struct{}{
	RoleCreator:  {},
	RoleWorker:   {},
	RoleOperator: {},
}

// Principal is the identity extracted from a bearer token.
type Principal struct {
	UserID uuid.UUID
	Role   Role
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator constructs an authenticator over the shared secret.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("escrowd: jwt secret required")
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

func (a *Authenticator) parse(tokenString string) (*Principal, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("escrowd: unexpected claims type")
	}
	subject, _ := claims["sub"].(string)
	userID, err := uuid.Parse(strings.TrimSpace(subject))
	if err != nil {
		return nil, fmt.Errorf("escrowd: invalid subject: %w", err)
	}
	roleStr, _ := claims["role"].(string)
	role := Role(strings.ToLower(strings.TrimSpace(roleStr)))
	if _, ok := allowedRoles[role]; !ok {
		return nil, fmt.Errorf("escrowd: unknown role %q", roleStr)
	}
	return &Principal{UserID: userID, Role: role}, nil
}

// Middleware authenticates the request and stores the principal in context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			writeErrorStatus(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		principal, err := a.parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeErrorStatus(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyPrincipal, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a route to the listed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFromContext(r.Context())
			if principal == nil {
				writeErrorStatus(w, http.StatusUnauthorized, errors.New("authentication required"))
				return
			}
			if _, ok := allowed[principal.Role]; !ok {
				writeErrorStatus(w, http.StatusForbidden, fmt.Errorf("role %s not permitted", principal.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) *Principal {
	principal, _ := ctx.Value(contextKeyPrincipal).(*Principal)
	return principal
}
