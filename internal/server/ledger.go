package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketledger/internal/authorization"
	ledgerdomain "github.com/smallbiznis/marketledger/internal/ledger/domain"
	"github.com/smallbiznis/marketledger/pkg/db/pagination"
)

func (s *Server) GetBalance(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}

	balance, err := s.ledgerSvc.Balance(c.Request.Context(), userID, normalizeCurrency(c.Query("currency")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}

func (s *Server) ListAdjustments(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.ListByUser(c.Request.Context(), ledgerdomain.ListRequest{
		UserID:     userID,
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Items, "page_info": resp.PageInfo})
}

// RecomputeBalance rebuilds the cached balance of any user from the
// adjustment history.
func (s *Server) RecomputeBalance(c *gin.Context) {
	userID, ok := parseIDParam(c, "user_id", "user_id")
	if !ok {
		return
	}

	balance, err := s.ledgerSvc.RecomputeBalance(c.Request.Context(), userID, normalizeCurrency(c.Query("currency")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, authorization.ActionLedgerRecompute, authorization.ObjectLedger, userID.String(), map[string]any{
		"currency": balance.Currency,
		"balance":  balance.Balance,
	})

	c.JSON(http.StatusOK, gin.H{"data": balance})
}
