package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/proctord/internal/response"
	"github.com/stemsi/proctord/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

// RequireJWT accepts any valid token, learner or reviewer. Reviewers that
// open the proctoring flow get an exempt session.
func RequireJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, "")
}

// RequireReviewerJWT accepts reviewer tokens only.
func RequireReviewerJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, service.RoleReviewer)
}

// RequireLearnerJWT accepts learner tokens only.
func RequireLearnerJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, service.RoleLearner)
}

func requireRole(authService *service.AuthService, role service.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := extractToken(c)
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := authService.ValidateToken(tokenStr)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}

		if role != "" && claims.Role != role {
			code := response.ErrLearnerAccessOnly
			if role == service.RoleReviewer {
				code = response.ErrReviewerAccessOnly
			}
			response.AbortFail(c, http.StatusForbidden, code)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

// extractToken reads a bearer token, falling back to ?token= for WebSocket
// and EventSource clients, which cannot set headers.
func extractToken(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return c.Query("token")
}

// BearerHeader formats a token for the Authorization header.
func BearerHeader(token string) string {
	return fmt.Sprintf("Bearer %s", token)
}
