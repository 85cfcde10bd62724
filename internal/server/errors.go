package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	auditdomain "github.com/smallbiznis/marketledger/internal/audit/domain"
	"github.com/smallbiznis/marketledger/internal/authorization"
	banktransferdomain "github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	customerdomain "github.com/smallbiznis/marketledger/internal/customer/domain"
	feedomain "github.com/smallbiznis/marketledger/internal/fee/domain"
	identitydomain "github.com/smallbiznis/marketledger/internal/identity/domain"
	invoicedomain "github.com/smallbiznis/marketledger/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/marketledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/marketledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/marketledger/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/marketledger/internal/tax/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// bindingError turns gin binding failures into field-level validation errors.
func bindingError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return invalidRequestError()
	}
	out := &ValidationErrors{}
	for _, fe := range fieldErrs {
		field := fe.Field()
		out.Errors = append(out.Errors, ValidationError{
			Field:   field,
			Code:    "invalid_" + field,
			Message: fe.Tag(),
		})
	}
	return out
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "webhook signature verification failed",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, banktransferdomain.ErrNotOwner):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, customerdomain.ErrProcessorUnavailable):
		return http.StatusBadGateway, errorPayload{
			Type:    "processor_unavailable",
			Message: "payment processor unavailable",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, subscriptiondomain.ErrPriceNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger a low-cardinality type and code.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	} else if isConflictError(err) {
		code = conflictMessage(err)
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return true
	case isFeeValidationError(err),
		isTaxValidationError(err),
		isIdentityValidationError(err),
		isInvoiceValidationError(err),
		isBankTransferValidationError(err),
		isSubscriptionValidationError(err),
		isLedgerValidationError(err),
		isPaymentValidationError(err),
		isAuditValidationError(err):
		return true
	default:
		return false
	}
}

func isFeeValidationError(err error) bool {
	return errors.Is(err, feedomain.ErrInvalidAmount) ||
		errors.Is(err, feedomain.ErrInvalidCurrency) ||
		errors.Is(err, feedomain.ErrInvalidPercent) ||
		errors.Is(err, feedomain.ErrInvalidRole) ||
		errors.Is(err, feedomain.ErrInvalidSeller)
}

func isTaxValidationError(err error) bool {
	return errors.Is(err, taxdomain.ErrInvalidCountry) ||
		errors.Is(err, taxdomain.ErrInvalidRate) ||
		errors.Is(err, taxdomain.ErrInvalidParty)
}

func isIdentityValidationError(err error) bool {
	return errors.Is(err, identitydomain.ErrInvalidUserID) ||
		errors.Is(err, identitydomain.ErrInvalidCountry) ||
		errors.Is(err, identitydomain.ErrInvalidVATNumber) ||
		errors.Is(err, identitydomain.ErrInvalidCustomerID)
}

func isInvoiceValidationError(err error) bool {
	return errors.Is(err, invoicedomain.ErrInvalidInvoiceID) ||
		errors.Is(err, invoicedomain.ErrInvalidOrder) ||
		errors.Is(err, invoicedomain.ErrInvalidAmount) ||
		errors.Is(err, invoicedomain.ErrInvalidReason)
}

func isBankTransferValidationError(err error) bool {
	return errors.Is(err, banktransferdomain.ErrInvalidUser) ||
		errors.Is(err, banktransferdomain.ErrInvalidID) ||
		errors.Is(err, banktransferdomain.ErrInvalidAmount) ||
		errors.Is(err, banktransferdomain.ErrInvalidCurrency) ||
		errors.Is(err, banktransferdomain.ErrInvalidPageToken) ||
		errors.Is(err, banktransferdomain.ErrBelowMinimum)
}

func isSubscriptionValidationError(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrInvalidUser) ||
		errors.Is(err, subscriptiondomain.ErrInvalidTier) ||
		errors.Is(err, subscriptiondomain.ErrInvalidBillingPeriod) ||
		errors.Is(err, subscriptiondomain.ErrInvalidFeature) ||
		errors.Is(err, subscriptiondomain.ErrFreeTierCheckout)
}

func isLedgerValidationError(err error) bool {
	return errors.Is(err, ledgerdomain.ErrInvalidUser) ||
		errors.Is(err, ledgerdomain.ErrInvalidAmount) ||
		errors.Is(err, ledgerdomain.ErrInvalidCurrency) ||
		errors.Is(err, ledgerdomain.ErrInvalidType) ||
		errors.Is(err, ledgerdomain.ErrInvalidReference) ||
		errors.Is(err, ledgerdomain.ErrInvalidPageToken)
}

func isAuditValidationError(err error) bool {
	return errors.Is(err, auditdomain.ErrInvalidPageToken) ||
		errors.Is(err, auditdomain.ErrInvalidTimeRange)
}

func isPaymentValidationError(err error) bool {
	return errors.Is(err, paymentdomain.ErrInvalidProvider) ||
		errors.Is(err, paymentdomain.ErrInvalidPayload) ||
		errors.Is(err, paymentdomain.ErrInvalidEvent)
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, banktransferdomain.ErrNotCancellable),
		errors.Is(err, banktransferdomain.ErrCurrencyMismatch),
		errors.Is(err, subscriptiondomain.ErrNotCancellable),
		errors.Is(err, invoicedomain.ErrInvalidTransition),
		errors.Is(err, invoicedomain.ErrAlreadyCredited),
		errors.Is(err, invoicedomain.ErrNotCreditable),
		errors.Is(err, invoicedomain.ErrNotRenderable),
		errors.Is(err, invoicedomain.ErrCurrencyMismatch),
		errors.Is(err, paymentdomain.ErrEventInFlight),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	for _, sentinel := range []error{
		banktransferdomain.ErrNotCancellable,
		banktransferdomain.ErrCurrencyMismatch,
		subscriptiondomain.ErrNotCancellable,
		invoicedomain.ErrInvalidTransition,
		invoicedomain.ErrAlreadyCredited,
		invoicedomain.ErrNotCreditable,
		invoicedomain.ErrNotRenderable,
		invoicedomain.ErrCurrencyMismatch,
		paymentdomain.ErrEventInFlight,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "conflict"
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, identitydomain.ErrNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, banktransferdomain.ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// validationErrorCode returns the innermost sentinel text so wrapped errors
// still report a stable code.
func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_amount_below_minimum":
		return "amount is below the minimum"
	default:
		return "invalid value"
	}
}
