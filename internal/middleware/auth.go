package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/jwalitptl/newsletter-api/pkg/errors"
	"github.com/jwalitptl/newsletter-api/pkg/httputil"
)

const ContextOwnerID = "owner_id"

// Authenticate verifies an HS256 bearer token and stores its subject, the
// newsletter owner, in the request context.
func Authenticate(secret, issuer string) gin.HandlerFunc {
	key := []byte(secret)
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httputil.RespondWithError(c, apperrors.Unauthorized(errors.New("missing authorization header")))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.RespondWithError(c, apperrors.Unauthorized(errors.New("invalid authorization format")))
			return
		}

		var claims jwt.RegisteredClaims
		if _, err := parser.ParseWithClaims(parts[1], &claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}); err != nil {
			httputil.RespondWithError(c, apperrors.Unauthorized(err))
			return
		}

		ownerID, err := uuid.Parse(claims.Subject)
		if err != nil {
			httputil.RespondWithError(c, apperrors.Unauthorized(errors.New("token subject is not an owner id")))
			return
		}

		c.Set(ContextOwnerID, ownerID)
		c.Next()
	}
}

// OwnerID returns the owner stored by Authenticate.
func OwnerID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextOwnerID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
