package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	banktransferdomain "github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	"github.com/smallbiznis/marketledger/pkg/db/pagination"
)

func (s *Server) CreateBankTransfer(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}

	var req banktransferdomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	req.UserID = userID
	req.Currency = normalizeCurrency(req.Currency)

	item, err := s.bankTransferSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": item})
}

func (s *Server) ListBankTransfers(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.bankTransferSvc.ListByUser(c.Request.Context(), banktransferdomain.ListRequest{
		UserID:     userID,
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Items, "page_info": resp.PageInfo})
}

func (s *Server) GetBankTransfer(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "id", "bank_transfer_id")
	if !ok {
		return
	}

	item, err := s.bankTransferSvc.Get(c.Request.Context(), id, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) CancelBankTransfer(c *gin.Context) {
	userID, ok := mustUserID(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "id", "bank_transfer_id")
	if !ok {
		return
	}

	item, err := s.bankTransferSvc.Cancel(c.Request.Context(), id, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}
