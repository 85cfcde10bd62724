package server

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketledger/internal/authorization"
)

func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeActionWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeActionWithContext(c *gin.Context, object string, action string) error {
	userID, ok := userIDFromContext(c)
	if !ok {
		return ErrUnauthorized
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}
	return s.authzSvc.Authorize(
		c.Request.Context(),
		authorization.UserActor(userID),
		strings.TrimSpace(object),
		strings.TrimSpace(action),
	)
}

// allowed reports whether the caller holds the permission without aborting.
// Lookup failures other than a denial are returned to the caller.
func (s *Server) allowed(c *gin.Context, object string, action string) (bool, error) {
	err := s.authorizeActionWithContext(c, object, action)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, authorization.ErrForbidden), errors.Is(err, ErrForbidden):
		return false, nil
	default:
		return false, err
	}
}
