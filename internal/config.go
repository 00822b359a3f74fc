package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/healthvault/internal/models"
	"github.com/starford/healthvault/internal/risk"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Ledger backends.
const (
	LedgerModeSimulated = "simulated"
)

// Blob store backends.
const (
	BlobModeFS   = "fs"
	BlobModeHTTP = "http"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Auth      AuthConfig        `yaml:"auth"`
	Ledger    LedgerConfig      `yaml:"ledger"`
	BlobStore BlobStoreConfig   `yaml:"blobstore"`
	Wallet    WalletConfig      `yaml:"wallet"`
	Audit     AuditConfig       `yaml:"audit"`
	Cache     CacheConfig       `yaml:"cache"`
	Risk      RiskConfig        `yaml:"risk"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validation.Validatable
	}{
		{"app", &c.App},
		{"auth", &c.Auth},
		{"ledger", &c.Ledger},
		{"blobstore", &c.BlobStore},
		{"wallet", &c.Wallet},
		{"audit", &c.Audit},
		{"cache", &c.Cache},
		{"risk", &c.Risk},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel        slog.Level    `yaml:"log_level"`
	HTTP            HTTPConfig    `yaml:"http"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SSEHeartbeat    time.Duration `yaml:"sse_heartbeat"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.SSEHeartbeat, validation.Min(time.Duration(0))),
	)
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// LedgerConfig selects the consent contract backend and the client's read policy.
type LedgerConfig struct {
	Mode            string        `yaml:"mode"`
	ContractAddress string        `yaml:"contract_address"`
	ReadAttempts    int           `yaml:"read_attempts"`
	ReadBackoffMin  time.Duration `yaml:"read_backoff_min"`
	ReadBackoffMax  time.Duration `yaml:"read_backoff_max"`
	MetaCacheSize   int           `yaml:"meta_cache_size"`
	MetaCacheTTL    time.Duration `yaml:"meta_cache_ttl"`
}

// Validate validates the ledger configuration.
func (c *LedgerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(LedgerModeSimulated)),
		validation.Field(&c.ContractAddress, validation.Required, validation.Match(models.IdentityPattern())),
		validation.Field(&c.ReadAttempts, validation.Required, validation.Min(1), validation.Max(10)),
		validation.Field(&c.ReadBackoffMin, validation.Required),
		validation.Field(&c.ReadBackoffMax, validation.Required, validation.Min(c.ReadBackoffMin)),
		validation.Field(&c.MetaCacheSize, validation.Min(0)),
		validation.Field(&c.MetaCacheTTL, validation.Min(time.Duration(0))),
	)
}

// BlobStoreConfig selects the content store. Mode "fs" keeps blobs under
// Path; mode "http" pins them through a pinning API and reads them back
// through a gateway.
type BlobStoreConfig struct {
	Mode       string        `yaml:"mode"`
	Path       string        `yaml:"path"`
	APIURL     string        `yaml:"api_url"`
	GatewayURL string        `yaml:"gateway_url"`
	JWT        string        `yaml:"jwt"`
	RetryMax   int           `yaml:"retry_max"` // gateway read retries; pins are submitted once
	Timeout    time.Duration `yaml:"timeout"`
}

// Validate validates the blob store configuration.
func (c *BlobStoreConfig) Validate() error {
	httpMode := c.Mode == BlobModeHTTP
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(BlobModeFS, BlobModeHTTP)),
		validation.Field(&c.Path, validation.When(c.Mode == BlobModeFS, validation.Required)),
		validation.Field(&c.APIURL, validation.When(httpMode, validation.Required, absoluteURL)),
		validation.Field(&c.GatewayURL, validation.When(httpMode, validation.Required, absoluteURL)),
		validation.Field(&c.JWT, validation.When(httpMode, validation.Required)),
		validation.Field(&c.RetryMax, validation.Min(0), validation.Max(10)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

var absoluteURL = validation.By(func(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
})

// WalletConfig locates the software keystore.
type WalletConfig struct {
	KeystoreDir string `yaml:"keystore_dir"`
	Watch       bool   `yaml:"watch"`
}

// Validate validates the wallet configuration.
func (c *WalletConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.KeystoreDir, validation.Required),
	)
}

// AuditConfig tunes the event poller.
type AuditConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Window   uint64        `yaml:"window"`
	Limit    int           `yaml:"limit"`
	Interval time.Duration `yaml:"interval"`
}

// Validate validates the audit configuration.
func (c *AuditConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Window, validation.Required),
		validation.Field(&c.Limit, validation.Required, validation.Min(1)),
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Second)),
	)
}

// CacheConfig holds the local SQLite cache location and per-list caps.
type CacheConfig struct {
	Path    string `yaml:"path"`
	Uploads int    `yaml:"uploads"`
	Views   int    `yaml:"views"`
	Audit   int    `yaml:"audit"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Uploads, validation.Required, validation.Min(1)),
		validation.Field(&c.Views, validation.Required, validation.Min(1)),
		validation.Field(&c.Audit, validation.Required, validation.Min(1)),
	)
}

// RiskConfig configures the static risk scorer.
type RiskConfig struct {
	Level string `yaml:"level"`
}

// Validate validates the risk configuration.
func (c *RiskConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.Required, validation.By(func(value any) error {
			_, err := risk.ParseLevel(value.(string))
			return err
		})),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
			ShutdownTimeout: 10 * time.Second,
			SSEHeartbeat:    15 * time.Second,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Ledger: LedgerConfig{
			Mode:            LedgerModeSimulated,
			ContractAddress: "0x5fbdb2315678afecb367f032d93f642f64180aa3",
			ReadAttempts:    3,
			ReadBackoffMin:  200 * time.Millisecond,
			ReadBackoffMax:  2 * time.Second,
			MetaCacheSize:   256,
			MetaCacheTTL:    30 * time.Second,
		},
		BlobStore: BlobStoreConfig{
			Mode:     BlobModeFS,
			Path:     "./data/blobs",
			RetryMax: 3,
			Timeout:  30 * time.Second,
		},
		Wallet: WalletConfig{
			KeystoreDir: "./data/keys",
			Watch:       true,
		},
		Audit: AuditConfig{
			Enabled:  true,
			Window:   100,
			Limit:    50,
			Interval: 30 * time.Second,
		},
		Cache: CacheConfig{
			Path:    "./data/healthvault.db",
			Uploads: 10,
			Views:   10,
			Audit:   50,
		},
		Risk: RiskConfig{
			Level: "low",
		},
	}
}
