package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketledger/internal/authorization"
	invoicedomain "github.com/smallbiznis/marketledger/internal/invoice/domain"
)

func (s *Server) CompleteOrder(c *gin.Context) {
	var req invoicedomain.Order
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.Currency = normalizeCurrency(req.Currency)

	resp, err := s.invoiceSvc.ComposeForOrder(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		s.recordAudit(c, authorization.ActionOrderComplete, authorization.ObjectOrder, req.OrderID, nil)
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"data": resp})
}

func (s *Server) ListOrderInvoices(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("order_id"))
	if orderID == "" {
		AbortWithError(c, newValidationError("order_id", "invalid_order_id", "invalid order id"))
		return
	}

	items, err := s.invoiceSvc.ListByOrder(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetInvoice(c *gin.Context) {
	item, ok := s.loadVisibleInvoice(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) DownloadInvoicePDF(c *gin.Context) {
	item, ok := s.loadVisibleInvoice(c)
	if !ok {
		return
	}

	doc, err := s.invoiceSvc.RenderPDF(c.Request.Context(), item.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, doc.Filename))
	c.Data(http.StatusOK, "application/pdf", doc.Content)
}

func (s *Server) GenerateInvoice(c *gin.Context) {
	s.invoiceTransition(c, authorization.ActionInvoiceGenerate, s.invoiceSvc.Generate)
}

func (s *Server) SendInvoice(c *gin.Context) {
	s.invoiceTransition(c, authorization.ActionInvoiceSend, s.invoiceSvc.MarkSent)
}

func (s *Server) PayInvoice(c *gin.Context) {
	s.invoiceTransition(c, authorization.ActionInvoicePay, s.invoiceSvc.MarkPaid)
}

func (s *Server) VoidInvoice(c *gin.Context) {
	s.invoiceTransition(c, authorization.ActionInvoiceVoid, s.invoiceSvc.Void)
}

func (s *Server) CancelInvoice(c *gin.Context) {
	s.invoiceTransition(c, authorization.ActionInvoiceCancel, s.invoiceSvc.Cancel)
}

func (s *Server) IssueCreditNote(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "invoice_id")
	if !ok {
		return
	}

	var req invoicedomain.CreditNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	note, err := s.invoiceSvc.IssueCreditNote(c.Request.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, authorization.ActionInvoiceCredit, authorization.ObjectInvoice, id.String(), map[string]any{
		"credit_note_id": note.ID.String(),
		"reason":         strings.TrimSpace(req.Reason),
	})

	c.JSON(http.StatusCreated, gin.H{"data": note})
}

func (s *Server) invoiceTransition(c *gin.Context, auditAction string, action func(context.Context, snowflake.ID) (invoicedomain.Invoice, error)) {
	id, ok := parseIDParam(c, "id", "invoice_id")
	if !ok {
		return
	}

	item, err := action(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditAction, authorization.ObjectInvoice, item.ID.String(), map[string]any{
		"status": string(item.Status),
	})

	c.JSON(http.StatusOK, gin.H{"data": item})
}

// loadVisibleInvoice returns the invoice when the caller is a party to it or
// may view any invoice. Other callers get a 404 so ids do not leak.
func (s *Server) loadVisibleInvoice(c *gin.Context) (invoicedomain.Invoice, bool) {
	userID, ok := mustUserID(c)
	if !ok {
		return invoicedomain.Invoice{}, false
	}
	id, ok := parseIDParam(c, "id", "invoice_id")
	if !ok {
		return invoicedomain.Invoice{}, false
	}

	item, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return invoicedomain.Invoice{}, false
	}
	if item.SellerID == userID || item.BuyerID == userID {
		return item, true
	}

	canViewAny, err := s.allowed(c, authorization.ObjectInvoice, authorization.ActionInvoiceView)
	if err != nil {
		AbortWithError(c, err)
		return invoicedomain.Invoice{}, false
	}
	if !canViewAny {
		AbortWithError(c, invoicedomain.ErrInvoiceNotFound)
		return invoicedomain.Invoice{}, false
	}
	return item, true
}
