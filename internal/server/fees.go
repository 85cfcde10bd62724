package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketledger/internal/authorization"
	feedomain "github.com/smallbiznis/marketledger/internal/fee/domain"
)

type feePreviewRequest struct {
	SellerID  string `json:"seller_id" binding:"required"`
	OrderType string `json:"order_type"`
	Amount    int64  `json:"amount" binding:"gte=0"`
	Currency  string `json:"currency" binding:"required,len=3"`
}

type feeTierRequest struct {
	Role       string          `json:"role" binding:"required"`
	OrderType  string          `json:"order_type" binding:"required"`
	FeePercent decimal.Decimal `json:"fee_percent"`
}

func (s *Server) PreviewFee(c *gin.Context) {
	var req feePreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	sellerID, err := parseSnowflakeField("seller_id", req.SellerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.feeSvc.Preview(c.Request.Context(), feedomain.PreviewRequest{
		SellerID:  sellerID,
		OrderType: strings.TrimSpace(req.OrderType),
		Amount:    req.Amount,
		Currency:  normalizeCurrency(req.Currency),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListFeeTiers(c *gin.Context) {
	tiers, err := s.feeSvc.ListTiers(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": tiers})
}

func (s *Server) UpsertFeeTier(c *gin.Context) {
	var req feeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	tier, err := s.feeSvc.UpsertTier(c.Request.Context(), feedomain.UpsertTierRequest{
		Role:       strings.TrimSpace(req.Role),
		OrderType:  strings.TrimSpace(req.OrderType),
		FeePercent: req.FeePercent,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, authorization.ActionFeeTierManage, authorization.ObjectFeeTier, tier.Role+":"+tier.OrderType, map[string]any{
		"fee_percent": tier.FeePercent.String(),
	})

	c.JSON(http.StatusOK, gin.H{"data": tier})
}
