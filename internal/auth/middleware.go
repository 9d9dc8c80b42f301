package auth

import (
	"net/http"
	"net/textproto"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	subjectContextKey   = "auth_subject"
	authTokenContextKey = "auth_token"
)

// Middleware resolves the caller's token from the configured header or the
// auth cookie and stores its subject in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.headerToken(c)
		if authToken == "" {
			authToken = s.cookieToken(c)
		}
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		subject, err := s.ValidateToken(authToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(subjectContextKey, subject)
		c.Set(authTokenContextKey, authToken)
		c.Next()
	}
}

// SubjectFromContext returns the subject stored by Middleware.
func SubjectFromContext(c *gin.Context) (string, bool) {
	subject := c.GetString(subjectContextKey)
	return subject, subject != ""
}

// AuthTokenFromContext returns the raw token stored by Middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	token := c.GetString(authTokenContextKey)
	return token, token != ""
}

// headerToken reads the token from the configured header. The standard
// Authorization header must use the Bearer scheme; any other header carries
// the bare token, with an optional Bearer prefix.
func (s *Service) headerToken(c *gin.Context) string {
	value := strings.TrimSpace(c.GetHeader(s.headerName))
	if value == "" {
		return ""
	}
	if scheme, rest, found := strings.Cut(value, " "); found && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(rest)
	}
	if s.customHeader() {
		return value
	}
	return ""
}

func (s *Service) cookieToken(c *gin.Context) string {
	token, err := c.Cookie(s.cookieName)
	if err != nil {
		return ""
	}
	return token
}

func (s *Service) customHeader() bool {
	return textproto.CanonicalMIMEHeaderKey(s.headerName) != "Authorization"
}
