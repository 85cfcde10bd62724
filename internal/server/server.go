package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/marketledger/internal/audit"
	auditdomain "github.com/smallbiznis/marketledger/internal/audit/domain"
	"github.com/smallbiznis/marketledger/internal/authorization"
	"github.com/smallbiznis/marketledger/internal/banktransfer"
	banktransferdomain "github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	"github.com/smallbiznis/marketledger/internal/config"
	"github.com/smallbiznis/marketledger/internal/customer"
	"github.com/smallbiznis/marketledger/internal/fee"
	feedomain "github.com/smallbiznis/marketledger/internal/fee/domain"
	"github.com/smallbiznis/marketledger/internal/identity"
	identitydomain "github.com/smallbiznis/marketledger/internal/identity/domain"
	"github.com/smallbiznis/marketledger/internal/invoice"
	invoicedomain "github.com/smallbiznis/marketledger/internal/invoice/domain"
	"github.com/smallbiznis/marketledger/internal/ledger"
	ledgerdomain "github.com/smallbiznis/marketledger/internal/ledger/domain"
	"github.com/smallbiznis/marketledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/marketledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/marketledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/marketledger/internal/observability/tracing"
	"github.com/smallbiznis/marketledger/internal/payment"
	paymentdomain "github.com/smallbiznis/marketledger/internal/payment/domain"
	"github.com/smallbiznis/marketledger/internal/providers/pdf"
	"github.com/smallbiznis/marketledger/internal/providers/stripe"
	"github.com/smallbiznis/marketledger/internal/ratelimit"
	"github.com/smallbiznis/marketledger/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/marketledger/internal/subscription/domain"
	"github.com/smallbiznis/marketledger/internal/tax"
	taxdomain "github.com/smallbiznis/marketledger/internal/tax/domain"
	"github.com/smallbiznis/marketledger/pkg/validation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	identity.Module,
	fee.Module,
	tax.Module,
	pdf.Module,
	invoice.Module,
	stripe.Module,
	customer.Module,
	ledger.Module,
	banktransfer.Module,
	subscription.Module,
	ratelimit.Module,
	payment.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	validation.SetupGinValidator()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	authzSvc        authorization.Service
	identitySvc     identitydomain.Service
	feeSvc          feedomain.Service
	taxSvc          taxdomain.Service
	invoiceSvc      invoicedomain.Service
	bankTransferSvc banktransferdomain.Service
	subscriptionSvc subscriptiondomain.Service
	ledgerSvc       ledgerdomain.Service
	paymentSvc      paymentdomain.Service
	auditSvc        auditdomain.Service
	limiter         *ratelimit.Limiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	AuthzSvc        authorization.Service
	IdentitySvc     identitydomain.Service
	FeeSvc          feedomain.Service
	TaxSvc          taxdomain.Service
	InvoiceSvc      invoicedomain.Service
	BankTransferSvc banktransferdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	LedgerSvc       ledgerdomain.Service
	PaymentSvc      paymentdomain.Service
	AuditSvc        auditdomain.Service `optional:"true"`
	Limiter         *ratelimit.Limiter  `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		authzSvc:        p.AuthzSvc,
		identitySvc:     p.IdentitySvc,
		feeSvc:          p.FeeSvc,
		taxSvc:          p.TaxSvc,
		invoiceSvc:      p.InvoiceSvc,
		bankTransferSvc: p.BankTransferSvc,
		subscriptionSvc: p.SubscriptionSvc,
		ledgerSvc:       p.LedgerSvc,
		paymentSvc:      p.PaymentSvc,
		auditSvc:        p.AuditSvc,
		limiter:         p.Limiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payment Webhooks --------
	api.POST("/payments/webhooks/:provider", s.HandlePaymentWebhook)

	user := api.Group("", s.UserRequired())

	// -------- Fees --------
	user.POST("/fees/preview", s.PreviewFee)
	user.GET("/fees/tiers", s.authorizeAction(authorization.ObjectFeeTier, authorization.ActionFeeTierManage), s.ListFeeTiers)
	user.PUT("/fees/tiers", s.authorizeAction(authorization.ObjectFeeTier, authorization.ActionFeeTierManage), s.UpsertFeeTier)

	// -------- Tax --------
	user.GET("/tax/profile", s.GetTaxProfile)
	user.PUT("/tax/profile", s.UpdateTaxProfile)
	user.POST("/tax/classify", s.ClassifyTax)
	user.GET("/tax/jurisdictions", s.ListJurisdictions)
	user.PUT("/tax/jurisdictions", s.authorizeAction(authorization.ObjectTaxJurisdiction, authorization.ActionTaxJurisdictionManage), s.UpsertJurisdiction)

	// -------- Orders & Invoices --------
	user.POST("/orders/complete", s.authorizeAction(authorization.ObjectOrder, authorization.ActionOrderComplete), s.CompleteOrder)
	user.GET("/orders/:order_id/invoices", s.authorizeAction(authorization.ObjectInvoice, authorization.ActionInvoiceView), s.ListOrderInvoices)
	user.GET("/invoices/:id", s.GetInvoice)
	user.GET("/invoices/:id/pdf", s.DownloadInvoicePDF)
	user.POST("/invoices/:id/generate", s.authorizeAction(authorization.ObjectInvoice, authorization.ActionInvoiceGenerate), s.GenerateInvoice)
	user.POST("/invoices/:id/send", s.authorizeAction(authorization.ObjectInvoice, authorization.ActionInvoiceSend), s.SendInvoice)
	user.POST("/invoices/:id/pay", s.authorizeAction(authorization.ObjectInvoice, authorization.ActionInvoicePay), s.PayInvoice)
	user.POST("/invoices/:id/void", s.authorizeAction(authorization.ObjectInvoice, authorization.ActionInvoiceVoid), s.VoidInvoice)
	user.POST("/invoices/:id/cancel", s.authorizeAction(authorization.ObjectInvoice, authorization.ActionInvoiceCancel), s.CancelInvoice)
	user.POST("/invoices/:id/credit-notes", s.authorizeAction(authorization.ObjectInvoice, authorization.ActionInvoiceCredit), s.IssueCreditNote)

	// -------- Bank Transfers --------
	user.POST("/bank-transfers", s.ProcessorRateLimit(), s.CreateBankTransfer)
	user.GET("/bank-transfers", s.ListBankTransfers)
	user.GET("/bank-transfers/:id", s.GetBankTransfer)
	user.POST("/bank-transfers/:id/cancel", s.CancelBankTransfer)

	// -------- Subscriptions --------
	user.POST("/subscriptions/checkout", s.ProcessorRateLimit(), s.Checkout)
	user.GET("/subscriptions/me", s.GetMySubscription)
	user.POST("/subscriptions/cancel", s.ProcessorRateLimit(), s.CancelSubscription)
	user.POST("/subscriptions/resume", s.ProcessorRateLimit(), s.ResumeSubscription)
	user.GET("/subscriptions/limits/:feature", s.CheckSubscriptionLimit)

	// -------- Ledger --------
	user.GET("/ledger/balance", s.GetBalance)
	user.GET("/ledger/adjustments", s.ListAdjustments)
	user.POST("/ledger/users/:user_id/recompute", s.authorizeAction(authorization.ObjectLedger, authorization.ActionLedgerRecompute), s.RecomputeBalance)

	// -------- Audit --------
	user.GET("/audit-logs", s.authorizeAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
