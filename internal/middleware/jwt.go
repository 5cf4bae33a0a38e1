package middleware

import (
	"net/http"
	"strings"

	"ledgersync/internal/service"

	"github.com/gin-gonic/gin"
)

const DevPassHeader = "X-Dev-Pass"

// TokenParser verifies an access token and returns its claims.
type TokenParser interface {
	Parse(token string) (*service.UserClaims, error)
}

func JWTMiddleware(parser TokenParser, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if devMode && c.GetHeader(DevPassHeader) == "true" {
			setOperator(c, &service.OperatorInfo{
				UserID: "0",
				Name:   "dev-admin",
				Role:   "admin",
			})
			c.Next()
			return
		}

		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			// EventSource cannot set headers
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header missing"})
			return
		}

		claims, err := parser.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
			return
		}

		setOperator(c, &service.OperatorInfo{
			UserID:  claims.UserID,
			Name:    claims.Username,
			Role:    claims.Role,
			OwnerID: claims.OwnerID,
		})
		c.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func setOperator(c *gin.Context, op *service.OperatorInfo) {
	c.Request = c.Request.WithContext(service.WithOperator(c.Request.Context(), op))
}
