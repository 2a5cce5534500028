package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"filing-workflow/internal/access"
	"filing-workflow/internal/common/config"
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/common/logger"
	"filing-workflow/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the caller's identity. The subject is the user ID.
type Claims struct {
	Role      string `json:"role"`
	CompanyID string `json:"companyId,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and attaches the Actor to the
// request context.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	errs     *errors.ErrorHandler
	logger   logger.Logger
}

func NewAuthenticator(cfg config.AuthConfig, log logger.Logger) *Authenticator {
	return &Authenticator{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		errs:     errors.NewErrorHandler(log),
		logger:   log,
	}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			a.errs.WriteHTTP(w, r, errors.NewUnauthenticatedError("missing Authorization header"))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			a.errs.WriteHTTP(w, r, errors.NewUnauthenticatedError("invalid Authorization header format"))
			return
		}

		actor, err := a.Verify(parts[1])
		if err != nil {
			a.errs.WriteHTTP(w, r, err)
			return
		}

		a.logger.Debug("Authenticated request", map[string]interface{}{
			"userId": actor.UserID,
			"role":   string(actor.Role),
		})
		next.ServeHTTP(w, r.WithContext(access.WithActor(r.Context(), actor)))
	})
}

// Verify parses a token and maps its claims to an Actor.
func (a *Authenticator) Verify(token string) (models.Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return models.Actor{}, errors.NewUnauthenticatedError(fmt.Sprintf("invalid token: %v", err))
	}

	if claims.Subject == "" {
		return models.Actor{}, errors.NewUnauthenticatedError("token has no subject")
	}
	role, err := models.ParseRole(claims.Role)
	if err != nil {
		return models.Actor{}, errors.NewUnauthenticatedError(err.Error())
	}
	if role == models.RoleIssuer && claims.CompanyID == "" {
		return models.Actor{}, errors.NewUnauthenticatedError("issuer token has no company")
	}
	return models.Actor{UserID: claims.Subject, Role: role, CompanyID: claims.CompanyID}, nil
}

// Issue signs a token for actor. Used by tooling and tests.
func (a *Authenticator) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:      string(actor.Role),
		CompanyID: actor.CompanyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
