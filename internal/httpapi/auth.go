package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/keymint/keymint/pkg/engine"
)

const authAccountContextKey = "auth_account"

// sessionClaims is the bearer token payload; the subject carries the
// account id and authorization beyond identity is the engine gate's job.
type sessionClaims struct {
	jwt.RegisteredClaims
}

func bearerAuthMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}

		claims := &sessionClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return signingKey, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		)
		if err != nil || !parsed.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session token"))
			return
		}

		accountID, err := engine.NewAccountID(claims.Subject)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token subject is empty"))
			return
		}
		ctx.Set(authAccountContextKey, accountID)
		ctx.Next()
	}
}

func authenticatedAccount(ctx *gin.Context) (engine.AccountID, bool) {
	value, ok := ctx.Get(authAccountContextKey)
	if !ok {
		return engine.AccountID{}, false
	}
	accountID, ok := value.(engine.AccountID)
	return accountID, ok
}
