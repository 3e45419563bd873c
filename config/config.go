// Package config loads the settlement service configuration from TOML,
// creating a commented default file on first run. Secrets never live in the
// file: the master seed, key-cipher key, and JWT secret come from the
// environment.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Environment variable names for secret material.
const (
	EnvMasterSeed = "CHAINPAY_MASTER_SEED" // hex-encoded BIP-39 style seed, >= 16 bytes
	EnvCipherKey  = "CHAINPAY_CIPHER_KEY"  // hex-encoded 32-byte AES key
	EnvJWTSecret  = "CHAINPAY_JWT_SECRET"  // opaque HMAC secret
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	Database  Database             `toml:"Database"`
	Log       Log                  `toml:"Log"`
	Monitor   Monitor              `toml:"Monitor"`
	Escrow    Escrow               `toml:"Escrow"`
	Broadcast Broadcast            `toml:"Broadcast"`
	Auth      Auth                 `toml:"Auth"`
	CORS      CORS                 `toml:"CORS"`
	RateLimit map[string]RateLimit `toml:"RateLimit"`
	Chains    []Chain              `toml:"Chains"`
}

type Database struct {
	// Driver selects the gorm dialector: "postgres" or "sqlite".
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

type Log struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

type Monitor struct {
	IntervalSeconds int `toml:"IntervalSeconds"`
	BatchSize       int `toml:"BatchSize"`
	// AmountTolerance is the accepted underpayment in basis points.
	AmountTolerance int64 `toml:"AmountTolerance"`
}

type Escrow struct {
	IntervalSeconds int   `toml:"IntervalSeconds"`
	BatchSize       int   `toml:"BatchSize"`
	FeeBps          int64 `toml:"FeeBps"`
	DefaultTTLHours int   `toml:"DefaultTTLHours"`
}

type Broadcast struct {
	MaxAttempts        int `toml:"MaxAttempts"`
	BackoffMillis      int `toml:"BackoffMillis"`
	CallTimeoutSeconds int `toml:"CallTimeoutSeconds"`
}

type Auth struct {
	ReplayWindowSeconds int    `toml:"ReplayWindowSeconds"`
	TokenTTLMinutes     int    `toml:"TokenTTLMinutes"`
	NonceCapacity       int    `toml:"NonceCapacity"`
	NoncePath           string `toml:"NoncePath"`
}

type CORS struct {
	AllowedOrigins []string `toml:"AllowedOrigins"`
}

type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Chain describes one supported network plus its settlement destinations.
type Chain struct {
	ID                    string `toml:"ID"`
	Family                string `toml:"Family"`
	Endpoint              string `toml:"Endpoint"`
	RequiredConfirmations uint64 `toml:"RequiredConfirmations"`
	ExplorerTxURL         string `toml:"ExplorerTxURL"`
	EVMChainID            int64  `toml:"EVMChainID"`
	FeeRateSatPerVB       int64  `toml:"FeeRateSatPerVB"`
	// CommissionAddress receives the escrow fee remainder on settlement.
	CommissionAddress string `toml:"CommissionAddress"`
	// ForwardDestination is the hot-wallet address confirmed payments sweep to.
	ForwardDestination string `toml:"ForwardDestination"`
}

// Load reads the configuration at path, creating a default file when none
// exists, then validates it.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8640"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if strings.TrimSpace(c.Database.Driver) == "" {
		c.Database.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		c.Database.DSN = "chainpay.db"
	}
	if c.Monitor.IntervalSeconds <= 0 {
		c.Monitor.IntervalSeconds = 15
	}
	if c.Monitor.BatchSize <= 0 {
		c.Monitor.BatchSize = 100
	}
	if c.Monitor.AmountTolerance <= 0 {
		c.Monitor.AmountTolerance = 100
	}
	if c.Escrow.IntervalSeconds <= 0 {
		c.Escrow.IntervalSeconds = 30
	}
	if c.Escrow.BatchSize <= 0 {
		c.Escrow.BatchSize = 50
	}
	if c.Escrow.FeeBps <= 0 {
		c.Escrow.FeeBps = 100
	}
	if c.Escrow.DefaultTTLHours <= 0 {
		c.Escrow.DefaultTTLHours = 24
	}
	if c.Broadcast.MaxAttempts <= 0 {
		c.Broadcast.MaxAttempts = 3
	}
	if c.Broadcast.BackoffMillis <= 0 {
		c.Broadcast.BackoffMillis = 500
	}
	if c.Broadcast.CallTimeoutSeconds <= 0 {
		c.Broadcast.CallTimeoutSeconds = 15
	}
	if c.Auth.ReplayWindowSeconds <= 0 {
		c.Auth.ReplayWindowSeconds = 300
	}
	if c.Auth.TokenTTLMinutes <= 0 {
		c.Auth.TokenTTLMinutes = 15
	}
	if c.Auth.NonceCapacity <= 0 {
		c.Auth.NonceCapacity = 4096
	}
	if c.RateLimit == nil {
		c.RateLimit = map[string]RateLimit{}
	}
}

// createDefault writes a starter configuration and returns it.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Chains: []Chain{
			{
				ID:                    "btc",
				Family:                "utxo",
				Endpoint:              "https://blockstream.info/api",
				RequiredConfirmations: 3,
				ExplorerTxURL:         "https://blockstream.info/tx/",
				FeeRateSatPerVB:       10,
			},
			{
				ID:                    "eth",
				Family:                "evm",
				Endpoint:              "http://127.0.0.1:8545",
				RequiredConfirmations: 12,
				ExplorerTxURL:         "https://etherscan.io/tx/",
				EVMChainID:            1,
			},
			{
				ID:                    "sol",
				Family:                "solana",
				Endpoint:              "https://api.mainnet-beta.solana.com",
				RequiredConfirmations: 32,
				ExplorerTxURL:         "https://solscan.io/tx/",
			},
		},
		RateLimit: map[string]RateLimit{
			"payments": {RequestsPerMinute: 120, Burst: 20},
			"escrows":  {RequestsPerMinute: 60, Burst: 10},
			"wallets":  {RequestsPerMinute: 60, Burst: 10},
		},
	}
	cfg.applyDefaults()
	cfg.Auth.NoncePath = defaultNoncePath(path)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func defaultNoncePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "nonces.db")
}

// MasterSeed resolves the HD wallet master seed from the environment.
func (c *Config) MasterSeed() ([]byte, error) {
	return hexSecret(EnvMasterSeed, 16)
}

// CipherKey resolves the 32-byte key protecting derived private keys at rest.
func (c *Config) CipherKey() ([]byte, error) {
	key, err := hexSecret(EnvCipherKey, 32)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to exactly 32 bytes", EnvCipherKey)
	}
	return key, nil
}

// JWTSecret resolves the session-token signing secret from the environment.
func (c *Config) JWTSecret() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(EnvJWTSecret))
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", EnvJWTSecret)
	}
	return []byte(raw), nil
}

func hexSecret(env string, minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", env)
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", env, err)
	}
	if len(decoded) < minBytes {
		return nil, fmt.Errorf("%s must decode to at least %d bytes", env, minBytes)
	}
	return decoded, nil
}
