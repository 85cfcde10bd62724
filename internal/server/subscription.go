package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/marketledger/internal/subscription/domain"
)

func (s *Server) Checkout(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}

	var req subscriptiondomain.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	req.UserID = userID
	req.Tier = strings.ToLower(strings.TrimSpace(req.Tier))

	session, err := s.subscriptionSvc.Checkout(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": session})
}

func (s *Server) GetMySubscription(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ResumeSubscription(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.Resume(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) CheckSubscriptionLimit(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}

	limit, err := s.subscriptionSvc.CheckLimit(c.Request.Context(), userID, strings.TrimSpace(c.Param("feature")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": limit})
}
