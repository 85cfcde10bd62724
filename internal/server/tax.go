package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketledger/internal/authorization"
	identitydomain "github.com/smallbiznis/marketledger/internal/identity/domain"
	taxdomain "github.com/smallbiznis/marketledger/internal/tax/domain"
)

func (s *Server) GetTaxProfile(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}

	profile, err := s.identitySvc.GetProfile(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": profile})
}

func (s *Server) UpdateTaxProfile(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}

	var req identitydomain.UpdateTaxProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	profile, err := s.identitySvc.UpdateTaxProfile(c.Request.Context(), userID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, "tax_profile.update", "user_profile", userID.String(), map[string]any{
		"country_code": req.CountryCode,
		"vat_number":   req.VATNumber,
		"tax_exempt":   req.TaxExempt,
	})

	c.JSON(http.StatusOK, gin.H{"data": profile})
}

func (s *Server) ClassifyTax(c *gin.Context) {
	var req taxdomain.ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	sellerID, err := parseSnowflakeField("seller_id", req.SellerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	buyerID, err := parseSnowflakeField("buyer_id", req.BuyerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if req.Amount != nil && *req.Amount < 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must not be negative"))
		return
	}

	resp, err := s.taxSvc.ClassifyParties(c.Request.Context(), sellerID, buyerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if req.Amount != nil {
		vat := taxdomain.ComputeVAT(*req.Amount, resp.Classification)
		resp.VAT = &vat
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListJurisdictions(c *gin.Context) {
	items, err := s.taxSvc.ListJurisdictions(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) UpsertJurisdiction(c *gin.Context) {
	var req taxdomain.UpsertJurisdictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	item, err := s.taxSvc.UpsertJurisdiction(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, authorization.ActionTaxJurisdictionManage, authorization.ObjectTaxJurisdiction, item.CountryCode, map[string]any{
		"bloc":          item.Bloc,
		"standard_rate": item.StandardRate.String(),
	})

	c.JSON(http.StatusOK, gin.H{"data": item})
}
