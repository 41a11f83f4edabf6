// Package config loads keygate settings from a YAML file, the environment and
// command-line flags through viper, and validates the result.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/service"
)

// EnvPrefix namespaces environment overrides, e.g. KEYGATE_STORE_DRIVER.
const EnvPrefix = "KEYGATE"

// Settings is the typed view of the effective configuration.
type Settings struct {
	Server       ServerSettings       `mapstructure:"server" yaml:"server"`
	Store        StoreSettings        `mapstructure:"store" yaml:"store"`
	Admission    AdmissionSettings    `mapstructure:"admission" yaml:"admission"`
	Subscription SubscriptionSettings `mapstructure:"subscription" yaml:"subscription"`
	Billing      BillingSettings      `mapstructure:"billing" yaml:"billing"`
	Notify       NotifySettings       `mapstructure:"notify" yaml:"notify"`
	Auth         AuthSettings         `mapstructure:"auth" yaml:"auth"`
	MCP          MCPSettings          `mapstructure:"mcp" yaml:"mcp"`
	Log          LogSettings          `mapstructure:"log" yaml:"log"`
}

// ServerSettings controls the HTTP listener.
type ServerSettings struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	RateLimit       int           `mapstructure:"rate_limit" yaml:"rate_limit" validate:"min=0"` // requests per minute per IP, 0 disables
	MaxBodySize     int64         `mapstructure:"max_body_size" yaml:"max_body_size" validate:"min=1"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
}

// StoreSettings selects and tunes the key store backend.
type StoreSettings struct {
	Driver          string        `mapstructure:"driver" yaml:"driver" validate:"oneof=memory sqlite postgres mysql mssql oracle bolt redis"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type AdmissionSettings struct {
	Mode        string `mapstructure:"mode" yaml:"mode" validate:"oneof=login session"`
	MaxLogins   int    `mapstructure:"max_logins" yaml:"max_logins" validate:"min=1"`
	MaxSessions int    `mapstructure:"max_sessions" yaml:"max_sessions" validate:"min=1"`
}

// SubscriptionSettings is the length of one paid window. Period, when set,
// overrides Months and Days (1mo, 3mo, 30d).
type SubscriptionSettings struct {
	Months int    `mapstructure:"months" yaml:"months" validate:"min=0"`
	Days   int    `mapstructure:"days" yaml:"days" validate:"min=0"`
	Period string `mapstructure:"period" yaml:"period,omitempty"`
}

type BillingSettings struct {
	ProductIDs      []string      `mapstructure:"product_ids" yaml:"product_ids"`
	RenewalIdentity string        `mapstructure:"renewal_identity" yaml:"renewal_identity" validate:"oneof=customer_ref customerRef customer email"`
	WebhookSecret   string        `mapstructure:"webhook_secret" yaml:"webhook_secret"`
	Tolerance       time.Duration `mapstructure:"tolerance" yaml:"tolerance"`
}

type NotifySettings struct {
	Brand    string           `mapstructure:"brand" yaml:"brand"`
	Timeout  time.Duration    `mapstructure:"timeout" yaml:"timeout"`
	SMTP     SMTPSettings     `mapstructure:"smtp" yaml:"smtp"`
	Telegram TelegramSettings `mapstructure:"telegram" yaml:"telegram"`
}

type SMTPSettings struct {
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	From        string `mapstructure:"from" yaml:"from" validate:"omitempty,email"`
	ImplicitTLS bool   `mapstructure:"implicit_tls" yaml:"implicit_tls"`
}

type TelegramSettings struct {
	Token  string `mapstructure:"token" yaml:"token"`
	ChatID int64  `mapstructure:"chat_id" yaml:"chat_id"`
}

type AuthSettings struct {
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

type MCPSettings struct {
	Transport string `mapstructure:"transport" yaml:"transport" validate:"oneof=stdio http"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// envAliases are the bare variable names older deployments set directly.
var envAliases = map[string]string{
	"admission.max_logins":     "MAX_LOGINS",
	"admission.max_sessions":   "MAX_SESSIONS",
	"billing.product_ids":      "TARGET_PRODUCT_IDS",
	"billing.renewal_identity": "RENEWAL_IDENTITY_KEY",
	"subscription.period":      "SUBSCRIPTION_PERIOD",
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		Server: ServerSettings{
			Host:            "0.0.0.0",
			Port:            8080,
			CORSOrigins:     []string{"*"},
			RateLimit:       120,
			MaxBodySize:     1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreSettings{
			Driver:  "sqlite",
			DSN:     defaultDataPath(),
			Timeout: service.DefaultStoreTimeout,
		},
		Admission: AdmissionSettings{
			Mode:        string(service.ModeLogin),
			MaxLogins:   service.DefaultMaxLogins,
			MaxSessions: service.DefaultMaxSessions,
		},
		Subscription: SubscriptionSettings{Months: 1},
		Billing: BillingSettings{
			ProductIDs:      []string{},
			RenewalIdentity: string(service.IdentityCustomerRef),
			Tolerance:       5 * time.Minute,
		},
		Notify: NotifySettings{
			Brand:   "Keygate",
			Timeout: 30 * time.Second,
			SMTP:    SMTPSettings{Port: 587},
		},
		Auth: AuthSettings{TokenTTL: 12 * time.Hour},
		MCP:  MCPSettings{Transport: "stdio", Addr: ":8090"},
		Log:  LogSettings{Level: "info", Format: "text"},
	}
}

func defaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "keygate.db"
	}
	return filepath.Join(home, ".keygate", "keygate.db")
}

// SetDefaults registers every known key on v so environment overrides are
// visible to Unmarshal, and binds the KEYGATE_ prefix and bare aliases.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.base_url", d.Server.BaseURL)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.timeout", d.Store.Timeout)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime)

	v.SetDefault("admission.mode", d.Admission.Mode)
	v.SetDefault("admission.max_logins", d.Admission.MaxLogins)
	v.SetDefault("admission.max_sessions", d.Admission.MaxSessions)

	v.SetDefault("subscription.months", d.Subscription.Months)
	v.SetDefault("subscription.days", d.Subscription.Days)
	v.SetDefault("subscription.period", d.Subscription.Period)

	v.SetDefault("billing.product_ids", d.Billing.ProductIDs)
	v.SetDefault("billing.renewal_identity", d.Billing.RenewalIdentity)
	v.SetDefault("billing.webhook_secret", d.Billing.WebhookSecret)
	v.SetDefault("billing.tolerance", d.Billing.Tolerance)

	v.SetDefault("notify.brand", d.Notify.Brand)
	v.SetDefault("notify.timeout", d.Notify.Timeout)
	v.SetDefault("notify.smtp.host", d.Notify.SMTP.Host)
	v.SetDefault("notify.smtp.port", d.Notify.SMTP.Port)
	v.SetDefault("notify.smtp.username", d.Notify.SMTP.Username)
	v.SetDefault("notify.smtp.password", d.Notify.SMTP.Password)
	v.SetDefault("notify.smtp.from", d.Notify.SMTP.From)
	v.SetDefault("notify.smtp.implicit_tls", d.Notify.SMTP.ImplicitTLS)
	v.SetDefault("notify.telegram.token", d.Notify.Telegram.Token)
	v.SetDefault("notify.telegram.chat_id", d.Notify.Telegram.ChatID)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)

	v.SetDefault("mcp.transport", d.MCP.Transport)
	v.SetDefault("mcp.addr", d.MCP.Addr)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, alias)
	}
}

// Load decodes and validates the settings held by v. SetDefaults must have
// been called on v first.
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	s.Billing.ProductIDs = splitList(s.Billing.ProductIDs)
	s.Server.CORSOrigins = splitList(s.Server.CORSOrigins)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// splitList trims entries and drops empties; env values arrive as a single
// comma-separated string.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the cross-field rules.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			fe := errs[0]
			// Namespace is "Settings.store.driver"; drop the root.
			field := fe.Namespace()
			if i := strings.IndexByte(field, '.'); i >= 0 {
				field = field[i+1:]
			}
			switch fe.Tag() {
			case "oneof":
				return fmt.Errorf("%w: %s must be one of [%s], got %v", ErrInvalidSettings, field, fe.Param(), fe.Value())
			case "min", "max":
				return fmt.Errorf("%w: %s must be %s %s, got %v", ErrInvalidSettings, field, boundWord(fe.Tag()), fe.Param(), fe.Value())
			default:
				return fmt.Errorf("%w: %s failed %q", ErrInvalidSettings, field, fe.Tag())
			}
		}
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if _, err := s.Period(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if s.Store.Driver != "memory" && s.Store.Driver != "sqlite" && s.Store.DSN == "" {
		return fmt.Errorf("%w: store.dsn is required for driver %s", ErrInvalidSettings, s.Store.Driver)
	}
	return nil
}

func boundWord(tag string) string {
	if tag == "min" {
		return ">="
	}
	return "<="
}

// ---------------------------------------------------------------------------
// Derived configuration
// ---------------------------------------------------------------------------

// Period returns the subscription window length.
func (s *Settings) Period() (service.Period, error) {
	if s.Subscription.Period != "" {
		return ParsePeriod(s.Subscription.Period)
	}
	p := service.Period{Months: s.Subscription.Months, Days: s.Subscription.Days}
	if p.IsZero() {
		return p, fmt.Errorf("subscription period must be positive")
	}
	return p, nil
}

// ParsePeriod parses "1mo", "3mo" or "30d". A bare number is months.
func ParsePeriod(s string) (service.Period, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	var (
		unit = "mo"
		num  = raw
	)
	switch {
	case strings.HasSuffix(raw, "mo"):
		num = strings.TrimSuffix(raw, "mo")
	case strings.HasSuffix(raw, "d"):
		unit, num = "d", strings.TrimSuffix(raw, "d")
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return service.Period{}, fmt.Errorf("invalid subscription period %q (want e.g. 1mo, 3mo, 30d)", s)
	}
	if unit == "d" {
		return service.Period{Days: n}, nil
	}
	return service.Period{Months: n}, nil
}

// StoreConfig returns the keystore connection parameters.
func (s *Settings) StoreConfig() keystore.Config {
	return keystore.Config{
		Driver:          s.Store.Driver,
		DSN:             s.Store.DSN,
		MaxOpenConns:    s.Store.MaxOpenConns,
		MaxIdleConns:    s.Store.MaxIdleConns,
		ConnMaxLifetime: s.Store.ConnMaxLifetime,
	}
}

// AdmissionConfig returns the admission controller configuration.
func (s *Settings) AdmissionConfig() service.AdmissionConfig {
	return service.AdmissionConfig{
		Mode:         service.Mode(s.Admission.Mode),
		MaxLogins:    s.Admission.MaxLogins,
		MaxSessions:  s.Admission.MaxSessions,
		StoreTimeout: s.Store.Timeout,
	}
}

// ReconcilerConfig returns the activation reconciler configuration.
func (s *Settings) ReconcilerConfig() (service.ReconcilerConfig, error) {
	identity, err := service.ParseIdentity(s.Billing.RenewalIdentity)
	if err != nil {
		return service.ReconcilerConfig{}, err
	}
	period, err := s.Period()
	if err != nil {
		return service.ReconcilerConfig{}, err
	}
	return service.ReconcilerConfig{
		ProductIDs:      s.Billing.ProductIDs,
		RenewalIdentity: identity,
		Period:          period,
		StoreTimeout:    s.Store.Timeout,
	}, nil
}

// ---------------------------------------------------------------------------
// Display
// ---------------------------------------------------------------------------

const mask = "********"

// Masked returns a copy with secrets replaced, suitable for printing.
func (s *Settings) Masked() *Settings {
	c := *s
	c.Server.CORSOrigins = append([]string(nil), s.Server.CORSOrigins...)
	c.Billing.ProductIDs = append([]string(nil), s.Billing.ProductIDs...)
	c.Store.DSN = maskDSN(s.Store.DSN)
	c.Billing.WebhookSecret = maskValue(s.Billing.WebhookSecret)
	c.Notify.SMTP.Password = maskValue(s.Notify.SMTP.Password)
	c.Notify.Telegram.Token = maskValue(s.Notify.Telegram.Token)
	c.Auth.JWTSecret = maskValue(s.Auth.JWTSecret)
	return &c
}

func maskValue(v string) string {
	if v == "" {
		return ""
	}
	return mask
}

// maskDSN hides the password of URL-style DSNs. Other forms pass through.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); !ok {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}
