package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
	"github.com/xenking/kart-fulfillment/internal/domain/auth"
)

// RoleAdmin marks elevated callers.
const RoleAdmin = "admin"

var errUnauthorized = errors.New("unauthorized")

// Claims are the bearer token claims understood by the API.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// SecurityHandler authenticates requests with HS256 bearer tokens and
// rejects revoked token ids.
type SecurityHandler struct {
	secret  []byte
	revoked auth.RevocationStore
	now     func() time.Time
}

// NewSecurityHandler creates a SecurityHandler verifying tokens signed with
// secret.
func NewSecurityHandler(secret []byte, revoked auth.RevocationStore) *SecurityHandler {
	return &SecurityHandler{
		secret:  secret,
		revoked: revoked,
		now:     time.Now,
	}
}

// Issue signs a token for userID valid for ttl.
func (s *SecurityHandler) Issue(userID string, elevated bool, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if elevated {
		claims.Role = RoleAdmin
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Authenticate resolves the caller of every request. Requests without a
// valid token get 401.
func (s *SecurityHandler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.verify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			if apperr.Is(err, apperr.Unavailable) {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "invalid or missing token"})
			return
		}

		ctx := auth.WithCaller(r.Context(), auth.Caller{
			UserID:   claims.Subject,
			Elevated: claims.Role == RoleAdmin,
		})
		ctx = context.WithValue(ctx, claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *SecurityHandler) verify(ctx context.Context, header string) (*Claims, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, errUnauthorized
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || claims.Subject == "" {
		return nil, errUnauthorized
	}

	if claims.ID != "" && s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, errUnauthorized
		}
	}
	return claims, nil
}

// RevokeCurrent revokes the token that authenticated the request.
func (s *SecurityHandler) RevokeCurrent(ctx context.Context) error {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	if !ok || claims.ID == "" || claims.ExpiresAt == nil {
		return apperr.New(apperr.InvalidInput, "token cannot be revoked")
	}
	return s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}
