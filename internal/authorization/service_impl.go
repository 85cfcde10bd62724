package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	identitydomain "github.com/smallbiznis/marketledger/internal/identity/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectFeeTier         = "fee_tier"
	ObjectTaxJurisdiction = "tax_jurisdiction"
	ObjectOrder           = "order"
	ObjectInvoice         = "invoice"
	ObjectBankTransfer    = "bank_transfer"
	ObjectLedger          = "ledger"
	ObjectAuditLog        = "audit_log"
)

const (
	ActionFeeTierManage         = "fee_tier.manage"
	ActionTaxJurisdictionManage = "tax_jurisdiction.manage"

	ActionOrderComplete = "order.complete"

	ActionInvoiceView     = "invoice.view_any"
	ActionInvoiceGenerate = "invoice.generate"
	ActionInvoiceSend     = "invoice.send"
	ActionInvoicePay      = "invoice.pay"
	ActionInvoiceVoid     = "invoice.void"
	ActionInvoiceCancel   = "invoice.cancel"
	ActionInvoiceCredit   = "invoice.credit"

	ActionBankTransferExpire = "bank_transfer.expire"

	ActionLedgerRecompute = "ledger.recompute"

	ActionAuditLogView = "audit_log.view"
)

const (
	ActorSystem     = "system"
	actorUserPrefix = "user:"
)

// UserActor formats the casbin subject for a user.
func UserActor(userID snowflake.ID) string {
	return actorUserPrefix + userID.String()
}

type Params struct {
	fx.In

	Log         *zap.Logger
	Enforcer    *casbin.SyncedEnforcer
	IdentitySvc identitydomain.Service
}

type ServiceImpl struct {
	log         *zap.Logger
	enforcer    *casbin.SyncedEnforcer
	identitySvc identitydomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:         p.Log.Named("authorization.service"),
		enforcer:    p.Enforcer,
		identitySvc: p.IdentitySvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName, err := s.resolveRole(ctx, actor)
	if err != nil {
		s.logDenied(actor, object, action, err)
		return err
	}
	if err := s.ensureGrouping(actor, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.logDenied(actor, object, action, ErrForbidden)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) resolveRole(ctx context.Context, actor string) (string, error) {
	if actor == ActorSystem {
		return roleName(identitydomain.AccessRoleSystem), nil
	}
	if !strings.HasPrefix(actor, actorUserPrefix) {
		return "", ErrInvalidActor
	}
	userID, err := snowflake.ParseString(strings.TrimPrefix(actor, actorUserPrefix))
	if err != nil || userID <= 0 {
		return "", ErrInvalidActor
	}
	profile, err := s.identitySvc.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, identitydomain.ErrNotFound) {
			return "", ErrForbidden
		}
		return "", err
	}
	access := strings.ToLower(strings.TrimSpace(profile.AccessRole))
	if access == "" {
		access = identitydomain.AccessRoleUser
	}
	return roleName(access), nil
}

// ensureGrouping keeps exactly one role link per subject so a changed
// access_role takes effect on the next request.
func (s *ServiceImpl) ensureGrouping(subject string, role string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == role {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, role)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, role)
	return err
}

func (s *ServiceImpl) logDenied(actor, object, action string, reason error) {
	s.log.Info("authorization denied",
		zap.String("actor", actor),
		zap.String("object", object),
		zap.String("action", action),
		zap.Error(reason),
	)
}

func roleName(accessRole string) string {
	return fmt.Sprintf("role:%s", accessRole)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	operator := roleName(identitydomain.AccessRoleOperator)
	system := roleName(identitydomain.AccessRoleSystem)

	policies := [][]string{
		{operator, ObjectFeeTier, ActionFeeTierManage},
		{operator, ObjectTaxJurisdiction, ActionTaxJurisdictionManage},
		{operator, ObjectOrder, ActionOrderComplete},
		{operator, ObjectInvoice, ActionInvoiceView},
		{operator, ObjectInvoice, ActionInvoiceGenerate},
		{operator, ObjectInvoice, ActionInvoiceSend},
		{operator, ObjectInvoice, ActionInvoicePay},
		{operator, ObjectInvoice, ActionInvoiceVoid},
		{operator, ObjectInvoice, ActionInvoiceCancel},
		{operator, ObjectInvoice, ActionInvoiceCredit},
		{operator, ObjectLedger, ActionLedgerRecompute},
		{operator, ObjectAuditLog, ActionAuditLogView},

		{system, ObjectOrder, ActionOrderComplete},
		{system, ObjectInvoice, ActionInvoiceView},
		{system, ObjectInvoice, ActionInvoiceGenerate},
		{system, ObjectInvoice, ActionInvoiceSend},
		{system, ObjectInvoice, ActionInvoicePay},
		{system, ObjectBankTransfer, ActionBankTransferExpire},
		{system, ObjectLedger, ActionLedgerRecompute},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
