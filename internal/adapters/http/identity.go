package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/dkeye/confcast/internal/domain"
)

const (
	identityKey = "identity"
	userIDKey   = "uid"
	userNameKey = "name"
)

// IdentityMiddleware resolves the cookie session into a domain.Identity.
// Requests without a session pass through anonymously.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		id, _ := s.Get(userIDKey).(string)
		name, _ := s.Get(userNameKey).(string)
		if id != "" {
			c.Set(identityKey, domain.Identity{ID: domain.ParticipantID(id), Name: name})
		}
		c.Next()
	}
}

// RequireIdentity rejects anonymous requests with 401.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := IdentityFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no session"})
			return
		}
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	return id, ok
}

func saveIdentity(c *gin.Context, id domain.Identity) error {
	s := sessions.Default(c)
	s.Set(userIDKey, string(id.ID))
	s.Set(userNameKey, id.Name)
	if err := s.Save(); err != nil {
		return err
	}
	c.Set(identityKey, id)
	return nil
}
