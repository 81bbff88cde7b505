package treasury

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the ambient configuration for the engine. Loaded once at process start and passed to
// NewEngine.
type Config struct {
	DBPath string
	Environment string // "development" or "production"
	StrictDeposit bool
	OperationTimeout time.Duration
	ApprovalTimeout time.Duration
}

// DefaultConfig returns the baseline configuration before environment
// overlays are applied.
func DefaultConfig() Config {
	return Config{
		DBPath: "treasury.db",
		Environment: "production",
		StrictDeposit: false,
		OperationTimeout: 10 * time.Second,
		ApprovalTimeout: 30 * time.Second,
	}
}

// LoadConfig loads a .env file if present (missing is not an error)
// and overlays process environment variables onto DefaultConfig().
func LoadConfig(envFile string) Config {
	_ = godotenv.Load(envFile)

	cfg := DefaultConfig()
	if v := os.Getenv("TREASURY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TREASURY_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("TREASURY_STRICT_DEPOSIT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StrictDeposit = b
		}
	}
	if v := os.Getenv("TREASURY_OPERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.OperationTimeout = d
		}
	}
	if v := os.Getenv("TREASURY_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ApprovalTimeout = d
		}
	}
	return cfg
}
