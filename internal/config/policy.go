package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PolicyConfig holds the business constants that operators may override
// without a deploy. It is reloaded when policy.yml changes.
type PolicyConfig struct {
	Fees         FeePolicy          `mapstructure:"fees"`
	Tax          TaxPolicy          `mapstructure:"tax"`
	BankTransfer BankTransferPolicy `mapstructure:"bankTransfer"`
	Subscription SubscriptionPolicy `mapstructure:"subscription"`
	Platform     PlatformProfile    `mapstructure:"platform"`
}

type FeeRule struct {
	Role      string  `mapstructure:"role"`
	OrderType string  `mapstructure:"orderType"`
	Percent   float64 `mapstructure:"percent"`
}

type FeePolicy struct {
	// Matrix is the static layer consulted after the fee_tiers table.
	Matrix []FeeRule `mapstructure:"matrix"`
}

type JurisdictionPolicy struct {
	CountryCode  string  `mapstructure:"countryCode"`
	Bloc         string  `mapstructure:"bloc"`
	StandardRate float64 `mapstructure:"standardRate"`
}

type TaxPolicy struct {
	// DomesticCountry is the platform's home jurisdiction. Its rate is the
	// fallback for countries the table does not list.
	DomesticCountry string               `mapstructure:"domesticCountry"`
	DefaultRate     float64              `mapstructure:"defaultRate"`
	Jurisdictions   []JurisdictionPolicy `mapstructure:"jurisdictions"`
}

type BankTransferPolicy struct {
	MinimumAmount int64         `mapstructure:"minimumAmount"`
	TTL           time.Duration `mapstructure:"ttl"`
	ExpiryBatch   int           `mapstructure:"expiryBatch"`
}

type FeatureLimit struct {
	Feature   string `mapstructure:"feature"`
	Unlimited bool   `mapstructure:"unlimited"`
	Max       int64  `mapstructure:"max"`
}

type TierPolicy struct {
	Name string `mapstructure:"name"`
	// Prices maps billing period (monthly, annual) to a processor price id.
	Prices map[string]string `mapstructure:"prices"`
	Limits []FeatureLimit    `mapstructure:"limits"`
}

type SubscriptionPolicy struct {
	TrialDays int          `mapstructure:"trialDays"`
	FreeTier  string       `mapstructure:"freeTier"`
	Tiers     []TierPolicy `mapstructure:"tiers"`
}

// PlatformProfile is the platform's own tax identity, the issuer of platform_fee documents.
type PlatformProfile struct {
	Name        string `mapstructure:"name"`
	CountryCode string `mapstructure:"countryCode"`
	VATNumber   string `mapstructure:"vatNumber"`
	Address     string `mapstructure:"address"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Fees: FeePolicy{
			Matrix: []FeeRule{
				{Role: "apprentice", OrderType: "default", Percent: 5},
				{Role: "apprentice", OrderType: "service", Percent: 7},
				{Role: "executive", OrderType: "default", Percent: 8},
				{Role: "executive", OrderType: "service", Percent: 10},
				{Role: "founder", OrderType: "default", Percent: 8},
				{Role: "founder", OrderType: "service", Percent: 10},
				{Role: "default", OrderType: "default", Percent: 8},
				{Role: "default", OrderType: "service", Percent: 10},
			},
		},
		Tax: TaxPolicy{
			DomesticCountry: "GB",
			DefaultRate:     0.20,
			Jurisdictions: []JurisdictionPolicy{
				{CountryCode: "GB", Bloc: "EU", StandardRate: 0.20},
				{CountryCode: "DE", Bloc: "EU", StandardRate: 0.19},
				{CountryCode: "FR", Bloc: "EU", StandardRate: 0.20},
				{CountryCode: "NL", Bloc: "EU", StandardRate: 0.21},
				{CountryCode: "IE", Bloc: "EU", StandardRate: 0.23},
				{CountryCode: "ES", Bloc: "EU", StandardRate: 0.21},
				{CountryCode: "IT", Bloc: "EU", StandardRate: 0.22},
			},
		},
		BankTransfer: BankTransferPolicy{
			MinimumAmount: 50_000,
			TTL:           7 * 24 * time.Hour,
			ExpiryBatch:   200,
		},
		Subscription: SubscriptionPolicy{
			TrialDays: 14,
			FreeTier:  "free",
			Tiers: []TierPolicy{
				{
					Name: "free",
					Limits: []FeatureLimit{
						{Feature: "active_listings", Max: 3},
						{Feature: "team_members", Max: 1},
						{Feature: "featured_listings", Max: 0},
					},
				},
				{
					Name:   "pro",
					Prices: map[string]string{"monthly": "", "annual": ""},
					Limits: []FeatureLimit{
						{Feature: "active_listings", Max: 50},
						{Feature: "team_members", Max: 5},
						{Feature: "featured_listings", Max: 5},
					},
				},
				{
					Name:   "business",
					Prices: map[string]string{"monthly": "", "annual": ""},
					Limits: []FeatureLimit{
						{Feature: "active_listings", Unlimited: true},
						{Feature: "team_members", Unlimited: true},
						{Feature: "featured_listings", Max: 25},
					},
				},
			},
		},
		Platform: PlatformProfile{
			Name:        "Marketledger Ltd",
			CountryCode: "GB",
		},
	}
}

// withDefaults fills sections a partial policy file left empty.
func (c PolicyConfig) withDefaults() PolicyConfig {
	d := DefaultPolicyConfig()
	if len(c.Fees.Matrix) == 0 {
		c.Fees = d.Fees
	}
	if strings.TrimSpace(c.Tax.DomesticCountry) == "" {
		c.Tax.DomesticCountry = d.Tax.DomesticCountry
	}
	if c.Tax.DefaultRate == 0 {
		c.Tax.DefaultRate = d.Tax.DefaultRate
	}
	if len(c.Tax.Jurisdictions) == 0 {
		c.Tax.Jurisdictions = d.Tax.Jurisdictions
	}
	if c.BankTransfer.MinimumAmount == 0 {
		c.BankTransfer.MinimumAmount = d.BankTransfer.MinimumAmount
	}
	if c.BankTransfer.TTL == 0 {
		c.BankTransfer.TTL = d.BankTransfer.TTL
	}
	if c.BankTransfer.ExpiryBatch == 0 {
		c.BankTransfer.ExpiryBatch = d.BankTransfer.ExpiryBatch
	}
	if c.Subscription.TrialDays == 0 {
		c.Subscription.TrialDays = d.Subscription.TrialDays
	}
	if strings.TrimSpace(c.Subscription.FreeTier) == "" {
		c.Subscription.FreeTier = d.Subscription.FreeTier
	}
	if len(c.Subscription.Tiers) == 0 {
		c.Subscription.Tiers = d.Subscription.Tiers
	}
	if strings.TrimSpace(c.Platform.CountryCode) == "" {
		c.Platform = d.Platform
	}
	return c
}

// Tier returns the tier policy by name.
func (c PolicyConfig) Tier(name string) (TierPolicy, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, tier := range c.Subscription.Tiers {
		if strings.ToLower(tier.Name) == name {
			return tier, true
		}
	}
	return TierPolicy{}, false
}

type PolicyHolder struct {
	current atomic.Value // holds PolicyConfig
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(cfg PolicyConfig) (*PolicyHolder, error) {
	cfg = cfg.withDefaults()
	if err := validatePolicyConfig(cfg); err != nil {
		return nil, err
	}
	holder := &PolicyHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/marketledger/config")
	v.AddConfigPath("/etc/marketledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MARKETLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
		defaults := DefaultPolicyConfig()
		v.SetDefault("policy.fees", defaults.Fees)
		v.SetDefault("policy.tax", defaults.Tax)
		v.SetDefault("policy.bankTransfer", defaults.BankTransfer)
		v.SetDefault("policy.subscription", defaults.Subscription)
		v.SetDefault("policy.platform", defaults.Platform)
	}

	cfg, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(cfg)

	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Printf("[policy-config] reload ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[policy-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func decodePolicy(v *viper.Viper) (PolicyConfig, error) {
	var cfg PolicyConfig
	if err := v.UnmarshalKey("policy", &cfg); err != nil {
		return PolicyConfig{}, err
	}
	cfg = cfg.withDefaults()
	if err := validatePolicyConfig(cfg); err != nil {
		return PolicyConfig{}, err
	}
	return cfg, nil
}

func (h *PolicyHolder) Get() PolicyConfig {
	return h.current.Load().(PolicyConfig)
}

// Store replaces the current policy after validation.
func (h *PolicyHolder) Store(cfg PolicyConfig) error {
	cfg = cfg.withDefaults()
	if err := validatePolicyConfig(cfg); err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}

func validatePolicyConfig(cfg PolicyConfig) error {
	for _, rule := range cfg.Fees.Matrix {
		if strings.TrimSpace(rule.Role) == "" || strings.TrimSpace(rule.OrderType) == "" {
			return errors.New("policy.fees.matrix entries need role and orderType")
		}
		if rule.Percent < 0 || rule.Percent > 100 {
			return fmt.Errorf("policy.fees.matrix %s/%s percent out of range", rule.Role, rule.OrderType)
		}
	}
	if cfg.Tax.DefaultRate < 0 || cfg.Tax.DefaultRate > 1 {
		return errors.New("policy.tax.defaultRate must be within [0,1]")
	}
	domesticListed := false
	for _, j := range cfg.Tax.Jurisdictions {
		if strings.EqualFold(strings.TrimSpace(j.CountryCode), strings.TrimSpace(cfg.Tax.DomesticCountry)) {
			domesticListed = true
		}
		if len(strings.TrimSpace(j.CountryCode)) != 2 {
			return fmt.Errorf("policy.tax.jurisdictions country %q invalid", j.CountryCode)
		}
		if j.StandardRate < 0 || j.StandardRate > 1 {
			return fmt.Errorf("policy.tax.jurisdictions %s rate out of range", j.CountryCode)
		}
	}
	if !domesticListed {
		return fmt.Errorf("policy.tax.domesticCountry %q must be a configured jurisdiction", cfg.Tax.DomesticCountry)
	}
	if cfg.BankTransfer.MinimumAmount <= 0 {
		return errors.New("policy.bankTransfer.minimumAmount must be positive")
	}
	if cfg.BankTransfer.TTL <= 0 {
		return errors.New("policy.bankTransfer.ttl must be positive")
	}
	if cfg.Subscription.TrialDays < 0 {
		return errors.New("policy.subscription.trialDays cannot be negative")
	}
	if _, ok := cfg.Tier(cfg.Subscription.FreeTier); !ok {
		return errors.New("policy.subscription.freeTier must name a configured tier")
	}
	return nil
}
