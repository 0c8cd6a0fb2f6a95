package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Vault holds the password-based encryption policy for wallet files.
// IterationCount is fixed by policy: it is embedded in every wallet file
// at creation time and never changed for existing wallets, so old files
// always unlock with the parameters they were written with.
type Vault struct {
	Dir            string // directory scanned for *.wlt files
	IterationCount int    // PBKDF2-SHA256 rounds for new wallets
	SaltLen        int
	KeyLen         int
}

type Exchange struct {
	BaseURL     string // layer-2 exchange REST API
	PriceURL    string // ETH/USD spot price API
	HTTPTimeout time.Duration
}

type Engine struct {
	// SubmitAttempts bounds retries of a transient submit failure.
	// The first call counts as attempt 1.
	SubmitAttempts int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	PollInterval   time.Duration
	// PollTimeout bounds how long a pending order is polled before its
	// status is surfaced as Unknown to the caller.
	PollTimeout time.Duration
}

type Market struct {
	// QuoteTTL bounds both quote freshness at build time and the expiry
	// embedded in the order payload, so a stale quote cannot be replayed
	// after the market has moved.
	QuoteTTL time.Duration
	ChainID  int64
	// FeeRecipient/FeeBps add a marketplace fee on top of the protocol
	// fee. Empty recipient means no extra fee.
	FeeRecipient string
	FeeBps       int64
}

type WebSigner struct {
	Enabled bool
	Addr    string // listen address for the browser-wallet signing page
}

type Storage struct {
	OrderDB string // pebble database holding order records
}

type Config struct {
	Vault     Vault
	Exchange  Exchange
	Engine    Engine
	Market    Market
	WebSigner WebSigner
	Storage   Storage
}

func Default() Config {
	return Config{
		Vault: Vault{
			Dir:            ".",
			IterationCount: 1_000_000,
			SaltLen:        32,
			KeyLen:         32,
		},
		Exchange: Exchange{
			BaseURL:     "https://api.x.immutable.com",
			PriceURL:    "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd",
			HTTPTimeout: 15 * time.Second,
		},
		Engine: Engine{
			SubmitAttempts: 5,
			BackoffBase:    500 * time.Millisecond,
			BackoffMax:     8 * time.Second,
			PollInterval:   2 * time.Second,
			PollTimeout:    60 * time.Second,
		},
		Market: Market{
			QuoteTTL: 3 * time.Minute,
			ChainID:  1,
		},
		WebSigner: WebSigner{
			Enabled: false,
			Addr:    "localhost:8080",
		},
		Storage: Storage{
			OrderDB: "data/orders",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if dir := os.Getenv("WALLET_DIR"); dir != "" {
		cfg.Vault.Dir = dir
	}
	if url := os.Getenv("EXCHANGE_BASE_URL"); url != "" {
		cfg.Exchange.BaseURL = url
	}
	if url := os.Getenv("PRICE_URL"); url != "" {
		cfg.Exchange.PriceURL = url
	}
	if ms := envMillis("EXCHANGE_HTTP_TIMEOUT_MS"); ms > 0 {
		cfg.Exchange.HTTPTimeout = ms
	}
	if n := envInt("ENGINE_SUBMIT_ATTEMPTS"); n > 0 {
		cfg.Engine.SubmitAttempts = n
	}
	if ms := envMillis("ENGINE_BACKOFF_BASE_MS"); ms > 0 {
		cfg.Engine.BackoffBase = ms
	}
	if ms := envMillis("ENGINE_BACKOFF_MAX_MS"); ms > 0 {
		cfg.Engine.BackoffMax = ms
	}
	if ms := envMillis("ENGINE_POLL_INTERVAL_MS"); ms > 0 {
		cfg.Engine.PollInterval = ms
	}
	if ms := envMillis("ENGINE_POLL_TIMEOUT_MS"); ms > 0 {
		cfg.Engine.PollTimeout = ms
	}
	if ms := envMillis("QUOTE_TTL_MS"); ms > 0 {
		cfg.Market.QuoteTTL = ms
	}
	if id := os.Getenv("CHAIN_ID"); id != "" {
		if v, err := strconv.ParseInt(id, 10, 64); err == nil {
			cfg.Market.ChainID = v
		}
	}
	if addr := os.Getenv("MARKET_FEE_RECIPIENT"); addr != "" {
		cfg.Market.FeeRecipient = addr
	}
	if n := envInt("MARKET_FEE_BPS"); n > 0 {
		cfg.Market.FeeBps = int64(n)
	}
	if enabled := os.Getenv("WEBSIGNER_ENABLED"); enabled != "" {
		cfg.WebSigner.Enabled = enabled == "true"
	}
	if addr := os.Getenv("WEBSIGNER_ADDR"); addr != "" {
		cfg.WebSigner.Addr = addr
	}
	if path := os.Getenv("ORDER_DB_PATH"); path != "" {
		cfg.Storage.OrderDB = path
	}

	// NOTE: Vault.IterationCount is deliberately not configurable from the
	// environment. Existing wallet files carry their own iteration count;
	// weakening the policy for new files needs a code change, not an env var.

	return cfg
}

func envInt(key string) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func envMillis(key string) time.Duration {
	if n := envInt(key); n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	return 0
}
