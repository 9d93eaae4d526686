package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Custody   CustodyConfig   `yaml:"custody"`
	BlobStore BlobStoreConfig `yaml:"blobStore"`
	Chains    ChainsConfig    `yaml:"chains"`
	Assets    AssetsConfig    `yaml:"assets"`
	AutoSwap  AutoSwapConfig  `yaml:"autoswap"`
	Auth      AuthConfig      `yaml:"auth"`
	Admin     AdminConfig     `yaml:"admin"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // gin mode: debug | release | test
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres | sqlite
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

// NATSConfig NATS publisher configuration
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	StreamName    string `yaml:"streamName"`
}

// WebhookConfig deposit notification verification settings
type WebhookConfig struct {
	PublicKeyURL    string `yaml:"publicKeyUrl"` // key-distribution endpoint, keyId is appended
	APIKey          string `yaml:"apiKey"`
	Timeout         int    `yaml:"timeout"` // seconds
	SignatureHeader string `yaml:"signatureHeader"`
	KeyIDHeader     string `yaml:"keyIdHeader"`
	MaxBodyBytes    int64  `yaml:"maxBodyBytes"`
}

// CustodyConfig custodial execution service configuration
type CustodyConfig struct {
	BaseURL           string  `yaml:"baseUrl"`
	APIKey            string  `yaml:"apiKey"`
	EntitySecret      string  `yaml:"entitySecret"` // hex, encrypted per request with the entity public key
	Timeout           int     `yaml:"timeout"`      // seconds
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	FeeLevel          string  `yaml:"feeLevel"` // LOW | MEDIUM | HIGH
}

// BlobStoreConfig content-addressed receipt mirror
type BlobStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PublisherURL  string `yaml:"publisherUrl"`
	AggregatorURL string `yaml:"aggregatorUrl"`
	Epochs        int    `yaml:"epochs"`
	Timeout       int    `yaml:"timeout"`
}

// ChainsConfig supported chain allowlist and per-chain endpoints
type ChainsConfig struct {
	Supported []string          `yaml:"supported"`
	Explorers map[string]string `yaml:"explorers"` // chain -> tx url prefix
	RPC       map[string]string `yaml:"rpc"`       // chain -> JSON-RPC endpoint
}

// AssetsConfig vendor token id -> asset symbol mapping
type AssetsConfig struct {
	TokenIDs  map[string]string `yaml:"tokenIds"`
	Ambiguous []string          `yaml:"ambiguous"`
}

// SwapPair is a chain/asset combination the scheduler may swap.
type SwapPair struct {
	Chain string `yaml:"chain"`
	Asset string `yaml:"asset"`
}

// AutoSwapConfig AutoSwap scheduler and worker configuration
type AutoSwapConfig struct {
	Enabled              bool       `yaml:"enabled"`
	Workers              int        `yaml:"workers"`
	PollInterval         int        `yaml:"pollInterval"` // seconds
	BatchSize            int        `yaml:"batchSize"`
	Concurrency          int        `yaml:"concurrency"`   // jobs executed in parallel per worker
	LeaseDuration        int        `yaml:"leaseDuration"` // seconds
	MaxAttempts          int        `yaml:"maxAttempts"`
	BackoffBase          int        `yaml:"backoffBase"` // seconds
	BackoffCap           int        `yaml:"backoffCap"`  // seconds
	ConfirmAttempts      int        `yaml:"confirmAttempts"`
	ConfirmInterval      int        `yaml:"confirmInterval"` // seconds
	Deadline             int        `yaml:"deadline"`        // seconds, encoded into the swap call
	MaxNotionalWei       string     `yaml:"maxNotionalWei"`
	MinSlippageBps       int        `yaml:"minSlippageBps"`
	MaxSlippageBps       int        `yaml:"maxSlippageBps"`
	RouterAddress        string     `yaml:"routerAddress"`
	TargetToken          string     `yaml:"targetToken"`
	TargetTokenDecimals  int32      `yaml:"targetTokenDecimals"`
	WrappedNative        string     `yaml:"wrappedNative"`
	QuoteRate            string     `yaml:"quoteRate"` // target units per native unit, placeholder estimator
	Eligible             []SwapPair `yaml:"eligible"`
	ReceiptMirrorBatch   int        `yaml:"receiptMirrorBatch"`
	ReceiptMirrorEnabled bool       `yaml:"receiptMirrorEnabled"`
}

// AuthConfig bearer token verification for owner lookups
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
}

// AdminConfig access control for /metrics
type AdminConfig struct {
	AllowedIPs []string `yaml:"allowedIPs"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

var AppConfig *Config

// Default returns the configuration used when a field is left empty.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, Mode: "release"},
		Log:    LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		NATS: NATSConfig{Timeout: 10, SubjectPrefix: "payswap", StreamName: "PAYSWAP"},
		Webhook: WebhookConfig{
			PublicKeyURL:    "https://api.circle.com/v2/notifications/publicKey",
			Timeout:         10,
			SignatureHeader: "X-Circle-Signature",
			KeyIDHeader:     "X-Circle-Key-Id",
			MaxBodyBytes:    1 << 20,
		},
		Custody: CustodyConfig{
			BaseURL:           "https://api.circle.com",
			Timeout:           30,
			RequestsPerSecond: 5,
			FeeLevel:          "MEDIUM",
		},
		BlobStore: BlobStoreConfig{Epochs: 5, Timeout: 10},
		Chains: ChainsConfig{
			Supported: []string{"ETH-SEPOLIA"},
			Explorers: map[string]string{
				"ETH":          "https://etherscan.io/tx/",
				"ETH-SEPOLIA":  "https://sepolia.etherscan.io/tx/",
				"BASE":         "https://basescan.org/tx/",
				"BASE-SEPOLIA": "https://sepolia.basescan.org/tx/",
			},
		},
		AutoSwap: AutoSwapConfig{
			Workers:              1,
			PollInterval:         15,
			BatchSize:            10,
			Concurrency:          4,
			LeaseDuration:        300,
			MaxAttempts:          3,
			BackoffBase:          30,
			BackoffCap:           900,
			ConfirmAttempts:      20,
			ConfirmInterval:      5,
			Deadline:             600,
			MaxNotionalWei:       "250000000000000000", // 0.25 ETH
			MinSlippageBps:       5,
			MaxSlippageBps:       300,
			TargetTokenDecimals:  6,
			QuoteRate:            "0",
			Eligible:             []SwapPair{{Chain: "ETH-SEPOLIA", Asset: "ETH"}},
			ReceiptMirrorBatch:   20,
			ReceiptMirrorEnabled: true,
		},
	}
}

// LoadConfig Load configuration file
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	fmt.Printf("✅ [%s] Loading configuration from config file: %s\n", time.Now().Format("2006-01-02 15:04:05"), configPath)

	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Printf("📋 [Config] Supported chains: %s\n", strings.Join(cfg.Chains.Supported, ","))
	fmt.Printf("📋 [Config] AutoSwap enabled=%v workers=%d interval=%ds batch=%d\n",
		cfg.AutoSwap.Enabled, cfg.AutoSwap.Workers, cfg.AutoSwap.PollInterval, cfg.AutoSwap.BatchSize)

	AppConfig = cfg
	return nil
}

// Parse decodes YAML on top of Default().
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields the service cannot start without.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if len(c.Chains.Supported) == 0 {
		return fmt.Errorf("chains.supported must list at least one chain")
	}
	if c.AutoSwap.Enabled {
		if c.AutoSwap.RouterAddress == "" || c.AutoSwap.TargetToken == "" || c.AutoSwap.WrappedNative == "" {
			return fmt.Errorf("autoswap.routerAddress, autoswap.targetToken and autoswap.wrappedNative are required when autoswap is enabled")
		}
		if c.AutoSwap.MinSlippageBps <= 0 || c.AutoSwap.MaxSlippageBps < c.AutoSwap.MinSlippageBps {
			return fmt.Errorf("autoswap slippage bounds are invalid: min=%d max=%d", c.AutoSwap.MinSlippageBps, c.AutoSwap.MaxSlippageBps)
		}
		if rate, err := decimal.NewFromString(c.AutoSwap.QuoteRate); err != nil || !rate.IsPositive() {
			return fmt.Errorf("autoswap.quoteRate must be a positive decimal when autoswap is enabled, got %q", c.AutoSwap.QuoteRate)
		}
		if c.AutoSwap.ConfirmBudget() >= c.AutoSwap.Lease() {
			return fmt.Errorf("autoswap.leaseDuration (%s) must exceed the confirmation budget (%s)", c.AutoSwap.Lease(), c.AutoSwap.ConfirmBudget())
		}
	}
	return nil
}

// IsChainSupported reports whether chain is in the configured allowlist.
func (c *Config) IsChainSupported(chain string) bool {
	for _, s := range c.Chains.Supported {
		if strings.EqualFold(s, chain) {
			return true
		}
	}
	return false
}

func (a AutoSwapConfig) Interval() time.Duration {
	return time.Duration(a.PollInterval) * time.Second
}

func (a AutoSwapConfig) Lease() time.Duration {
	return time.Duration(a.LeaseDuration) * time.Second
}

func (a AutoSwapConfig) Backoff() (base, cap time.Duration) {
	return time.Duration(a.BackoffBase) * time.Second, time.Duration(a.BackoffCap) * time.Second
}

func (a AutoSwapConfig) ConfirmBudget() time.Duration {
	return time.Duration(a.ConfirmAttempts*a.ConfirmInterval) * time.Second
}

func (a AutoSwapConfig) SwapDeadline() time.Duration {
	return time.Duration(a.Deadline) * time.Second
}

// overrideFromEnv Override configuration from environment variables
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		config.Server.Mode = mode
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
		config.NATS.Enabled = true
	}

	if apiKey := os.Getenv("CIRCLE_API_KEY"); apiKey != "" {
		config.Custody.APIKey = apiKey
		if config.Webhook.APIKey == "" {
			config.Webhook.APIKey = apiKey
		}
	}
	if secret := os.Getenv("CIRCLE_ENTITY_SECRET"); secret != "" {
		config.Custody.EntitySecret = secret
	}
	if keyURL := os.Getenv("WEBHOOK_PUBLIC_KEY_URL"); keyURL != "" {
		config.Webhook.PublicKeyURL = keyURL
	}

	if chains := os.Getenv("SUPPORTED_CHAINS"); chains != "" {
		config.Chains.Supported = splitList(chains)
	}
	for _, chain := range config.Chains.Supported {
		envRPC := fmt.Sprintf("%s_RPC_URL", strings.ToUpper(strings.ReplaceAll(chain, "-", "_")))
		if rpcURL := os.Getenv(envRPC); rpcURL != "" {
			if config.Chains.RPC == nil {
				config.Chains.RPC = map[string]string{}
			}
			config.Chains.RPC[chain] = rpcURL
		}
	}

	if enabled := os.Getenv("AUTOSWAP_ENABLED"); enabled != "" {
		config.AutoSwap.Enabled = enabled == "true"
	}
	if router := os.Getenv("AUTOSWAP_ROUTER"); router != "" {
		config.AutoSwap.RouterAddress = router
	}
	if target := os.Getenv("AUTOSWAP_TARGET_TOKEN"); target != "" {
		config.AutoSwap.TargetToken = target
	}

	if publisher := os.Getenv("BLOB_PUBLISHER_URL"); publisher != "" {
		config.BlobStore.PublisherURL = publisher
		config.BlobStore.Enabled = true
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		config.CORS.AllowedOrigins = splitList(corsOrigins)
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
