package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// RPC settings
	RPCUrl       string
	Commitment   string
	HTTPTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	// Wallet
	WalletPrivateKey string
	NonceAccounts    []string

	// Block reference cache
	BlockhashRefresh time.Duration

	// Transaction building
	CULimit     uint32
	CUSimulate  bool
	CreateATA   bool
	BuyLamports uint64
	SlippageBps int

	// Vendors and protocols (YAML file, optional)
	VendorsFile string
	Vendors     []VendorConfig
	Protocols   []ProtocolConfig

	// Dispatch worker pool
	DispatchWorkers  int
	DispatchCores    []int
	DispatchPriority string
	DispatchQueue    int
	SlowThreshold    time.Duration

	// Correlation store
	StoreTTL           time.Duration
	StorePurgeInterval time.Duration
	StoreMaxEntries    int
	StoreShards        int
	StoreWarnAge       time.Duration

	// Landing (sell) path
	LandingQueue        int
	LandingDedupTTL     time.Duration
	LandingDedupMax     int
	LandingSellDelay    time.Duration
	LandingErrorLimit   int
	LandingPollInterval time.Duration
	LandingSellMinOut   uint64

	// Feeds
	FeedWSURL     string
	TrackPrograms []string
	TrackWallets  []string

	// Risk limits
	RiskMaxTradeLamports   uint64
	RiskDailyLimitLamports uint64
	RiskIgnoreMints        []string

	// Redis settings
	RedisAddr string

	// ClickHouse settings
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string

	// API server
	APIAddr      string
	APIKey       string
	DevMode      bool
	FlagsRefresh time.Duration
	FlagRate     float64
	FlagBurst    int

	// Logging
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxAgeDays int
	LogMaxBackups int
	LogCompress   bool
}

func Load() (*Config, error) {
	cfg := &Config{
		// RPC
		RPCUrl:       getEnv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		Commitment:   getEnv("SOLANA_COMMITMENT", "processed"),
		HTTPTimeout:  getDurationEnv("HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:   getIntEnv("MAX_RETRIES", 3),
		RetryBackoff: getDurationEnv("RETRY_BACKOFF", 200*time.Millisecond),

		// Wallet
		WalletPrivateKey: getEnv("WALLET_PRIVATE_KEY", ""),
		NonceAccounts:    getListEnv("NONCE_ACCOUNTS"),

		BlockhashRefresh: getDurationEnv("BLOCKHASH_REFRESH", 400*time.Millisecond),

		// Build
		CULimit:     uint32(getIntEnv("CU_LIMIT", 200_000)),
		CUSimulate:  getBoolEnv("CU_SIMULATE", false),
		CreateATA:   getBoolEnv("CREATE_ATA", true),
		BuyLamports: uint64(getFloatEnv("BUY_SOL", 0.01) * 1e9),
		SlippageBps: getIntEnv("SLIPPAGE_BPS", 1000),

		VendorsFile: getEnv("VENDORS_FILE", ""),

		// Dispatch
		DispatchWorkers:  getIntEnv("DISPATCH_WORKERS", 3),
		DispatchCores:    getIntListEnv("DISPATCH_CORES"),
		DispatchPriority: getEnv("DISPATCH_PRIORITY", "critical"),
		DispatchQueue:    getIntEnv("DISPATCH_QUEUE", 1000),
		SlowThreshold:    getDurationEnv("DISPATCH_SLOW_THRESHOLD", time.Millisecond),

		// Store
		StoreTTL:           getDurationEnv("STORE_TTL", 10*time.Second),
		StorePurgeInterval: getDurationEnv("STORE_PURGE_INTERVAL", 5*time.Second),
		StoreMaxEntries:    getIntEnv("STORE_MAX_ENTRIES", 100_000),
		StoreShards:        getIntEnv("STORE_SHARDS", 64),
		StoreWarnAge:       getDurationEnv("STORE_WARN_AGE", 30*time.Second),

		// Landing
		LandingQueue:        getIntEnv("LANDING_QUEUE", 1000),
		LandingDedupTTL:     getDurationEnv("LANDING_DEDUP_TTL", 30*time.Second),
		LandingDedupMax:     getIntEnv("LANDING_DEDUP_MAX", 5000),
		LandingSellDelay:    getDurationEnv("LANDING_SELL_DELAY", 0),
		LandingErrorLimit:   getIntEnv("LANDING_ERROR_LIMIT", 10),
		LandingPollInterval: getDurationEnv("LANDING_POLL_INTERVAL", time.Second),
		LandingSellMinOut:   uint64(getIntEnv("LANDING_SELL_MIN_OUT", 0)),

		// Feeds
		FeedWSURL:     getEnv("FEED_WS_URL", ""),
		TrackPrograms: getListEnv("TRACK_PROGRAMS"),
		TrackWallets:  getListEnv("TRACK_WALLETS"),

		// Risk
		RiskMaxTradeLamports:   uint64(getFloatEnv("RISK_MAX_TRADE_SOL", 1.0) * 1e9),
		RiskDailyLimitLamports: uint64(getFloatEnv("RISK_DAILY_LIMIT_SOL", 0) * 1e9),
		RiskIgnoreMints:        getListEnv("RISK_IGNORE_MINTS"),

		// Redis
		RedisAddr: getEnv("REDIS_ADDR", ""),

		// ClickHouse
		ClickHouseAddr:     getEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDatabase: getEnv("CLICKHOUSE_DATABASE", "solana"),
		ClickHouseUsername: getEnv("CLICKHOUSE_USERNAME", "default"),
		ClickHousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),

		// API
		APIAddr:      getEnv("API_ADDR", ":8090"),
		APIKey:       getEnv("API_KEY", ""),
		DevMode:      getBoolEnv("DEV_MODE", false),
		FlagsRefresh: getDurationEnv("FLAGS_REFRESH", 5*time.Second),
		FlagRate:     getFloatEnv("FLAG_RATE", 1),
		FlagBurst:    getIntEnv("FLAG_BURST", 5),

		// Logging
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getIntEnv("LOG_MAX_SIZE_MB", 100),
		LogMaxAgeDays: getIntEnv("LOG_MAX_AGE_DAYS", 7),
		LogMaxBackups: getIntEnv("LOG_MAX_BACKUPS", 5),
		LogCompress:   getBoolEnv("LOG_COMPRESS", true),
	}

	if cfg.VendorsFile != "" {
		file, err := LoadFile(cfg.VendorsFile)
		if err != nil {
			return nil, err
		}
		cfg.Vendors = file.Vendors
		cfg.Protocols = file.Protocols
	}
	if len(cfg.Vendors) == 0 {
		cfg.Vendors = []VendorConfig{DefaultRPCVendor(cfg.RPCUrl)}
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.RPCUrl == "" {
		return fmt.Errorf("SOLANA_RPC_URL is required")
	}
	if c.WalletPrivateKey == "" {
		return fmt.Errorf("WALLET_PRIVATE_KEY is required")
	}
	if c.DispatchWorkers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be >= 1")
	}
	if c.DispatchQueue < 1 {
		return fmt.Errorf("DISPATCH_QUEUE must be >= 1")
	}
	if c.StoreTTL <= 0 || c.StorePurgeInterval <= 0 {
		return fmt.Errorf("STORE_TTL and STORE_PURGE_INTERVAL must be positive")
	}
	if c.StoreMaxEntries < 1 {
		return fmt.Errorf("STORE_MAX_ENTRIES must be >= 1")
	}
	if c.SlippageBps < 0 || c.SlippageBps > 10_000 {
		return fmt.Errorf("SLIPPAGE_BPS must be within 0..10000")
	}
	seen := make(map[string]struct{}, len(c.Vendors))
	for i, v := range c.Vendors {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("vendor %d: %w", i, err)
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("duplicate vendor name %q", v.Name)
		}
		seen[v.Name] = struct{}{}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getListEnv splits a comma-separated value, dropping blanks.
func getListEnv(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getIntListEnv parses "5,6,7" style lists; unparsable items are skipped.
func getIntListEnv(key string) []int {
	var out []int
	for _, part := range getListEnv(key) {
		if i, err := strconv.Atoi(part); err == nil {
			out = append(out, i)
		}
	}
	return out
}
