// Package config загружает конфигурацию приложения из переменных окружения.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Security   SecurityConfig
	Venues     VenuesConfig
	Execution  ExecutionConfig
	Orderbook  OrderbookConfig
	Rollback   RollbackConfig
	Reconciler ReconcilerConfig
	Logging    LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// Ключ AES-256 для расшифровки API credentials бирж (ровно 32 байта)
	EncryptionKey string
}

// VenuesConfig - пара бирж хеджированной связки
type VenuesConfig struct {
	// DryRun подменяет обе биржи на paper venue
	DryRun bool

	MakerVenue string // имя maker биржи (первая нога)
	HedgeVenue string // имя hedge биржи (вторая нога)

	// API credentials хранятся зашифрованными (base64 от AES-256-GCM)
	MakerAPIKeyEnc    string
	MakerSecretEnc    string
	HedgeAPIKeyEnc    string
	HedgeSecretEnc    string
}

// ExecutionConfig - параметры машины состояний исполнения
type ExecutionConfig struct {
	// Базовый таймаут ожидания исполнения maker ноги.
	// Реальный таймаут масштабируется от глубины стакана
	FillTimeoutBase time.Duration
	FillTimeoutMin  time.Duration
	FillTimeoutMax  time.Duration

	// Потолок таймаута во время shutdown
	ShutdownFillCeiling time.Duration

	// Интервал опроса позиции в ожидании филла (fallback к push-обновлениям)
	FillPollInterval time.Duration

	// Retry maker ноги с подтягиванием цены
	MaxLeg1Retries int
	ChaseIncrement float64 // k: SELL price*(1-k*attempt), BUY price*(1+k*attempt)

	// Гейт спреда входа
	MaxEntrySpreadPct   float64
	AutoCloseBadEntries bool

	// TTL кэша compliance проверки
	ComplianceCacheTTL time.Duration

	// Окно graceful shutdown для активных исполнений
	GracefulTimeout time.Duration
}

// OrderbookConfig - пороги валидации стакана
type OrderbookConfig struct {
	MinDepthUSD          float64
	MinOppositeDepthUSD  float64
	MinBidLevels         int
	MinAskLevels         int
	MaxSpreadPercent     float64
	WarnSpreadPercent    float64
	MaxStalenessSeconds  float64
	WarnStalenessSeconds float64

	// Границы классификации depthMultiple = depth / tradeSize
	ExcellentDepthMultiple float64
	GoodDepthMultiple      float64
	MarginalDepthMultiple  float64

	// Окно недоверия к кэшу после переподключения WS
	PostReconnectCooldownSeconds float64
}

// RollbackConfig - параметры отката незахеджированной ноги
type RollbackConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration // backoff: baseDelay * 2^attempt
	SettleDelay time.Duration // начальная пауза, даём ордерам в полёте приземлиться
	VerifyDelay time.Duration // пауза между закрытием и проверкой позиции
	QueueSize   int
}

// ReconcilerConfig - параметры сверки store/биржи
type ReconcilerConfig struct {
	Interval          time.Duration
	PendingStaleAfter time.Duration // PENDING старше этого = кандидат в зомби
	OpeningStaleAfter time.Duration

	// Допуски сравнения размеров (конфликт если оба превышены)
	SizeTolerancePct    float64 // % от большей стороны
	SizeToleranceAbsUSD float64

	AutoImportGhosts bool

	// Пассивное закрытие перед market
	SoftCloseEnabled bool
	SoftCloseTimeout time.Duration

	// Окно сканирования недавних FAILED/ROLLBACK записей на поздний филл
	LateFillWindow time.Duration
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "fundarb"),
			User:     getEnv("DB_USER", "fundarb"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Venues: VenuesConfig{
			DryRun:         getEnvAsBool("DRY_RUN", false),
			MakerVenue:     getEnv("MAKER_VENUE", "bybit"),
			HedgeVenue:     getEnv("HEDGE_VENUE", "bybit"),
			MakerAPIKeyEnc: getEnv("MAKER_API_KEY_ENC", ""),
			MakerSecretEnc: getEnv("MAKER_SECRET_ENC", ""),
			HedgeAPIKeyEnc: getEnv("HEDGE_API_KEY_ENC", ""),
			HedgeSecretEnc: getEnv("HEDGE_SECRET_ENC", ""),
		},
		Execution: ExecutionConfig{
			FillTimeoutBase:     getEnvAsDuration("FILL_TIMEOUT_BASE", 30*time.Second),
			FillTimeoutMin:      getEnvAsDuration("FILL_TIMEOUT_MIN", 5*time.Second),
			FillTimeoutMax:      getEnvAsDuration("FILL_TIMEOUT_MAX", 90*time.Second),
			ShutdownFillCeiling: getEnvAsDuration("SHUTDOWN_FILL_CEILING", 2*time.Second),
			FillPollInterval:    getEnvAsDuration("FILL_POLL_INTERVAL", 500*time.Millisecond),
			MaxLeg1Retries:      getEnvAsInt("MAX_LEG1_RETRIES", 1),
			ChaseIncrement:      getEnvAsFloat("CHASE_INCREMENT", 0.001),
			MaxEntrySpreadPct:   getEnvAsFloat("MAX_ENTRY_SPREAD_PCT", 0.3),
			AutoCloseBadEntries: getEnvAsBool("AUTO_CLOSE_BAD_ENTRIES", true),
			ComplianceCacheTTL:  getEnvAsDuration("COMPLIANCE_CACHE_TTL", 5*time.Second),
			GracefulTimeout:     getEnvAsDuration("GRACEFUL_TIMEOUT", 30*time.Second),
		},
		Orderbook: OrderbookConfig{
			MinDepthUSD:                  getEnvAsFloat("OB_MIN_DEPTH_USD", 5000),
			MinOppositeDepthUSD:          getEnvAsFloat("OB_MIN_OPPOSITE_DEPTH_USD", 2000),
			MinBidLevels:                 getEnvAsInt("OB_MIN_BID_LEVELS", 3),
			MinAskLevels:                 getEnvAsInt("OB_MIN_ASK_LEVELS", 3),
			MaxSpreadPercent:             getEnvAsFloat("OB_MAX_SPREAD_PCT", 0.5),
			WarnSpreadPercent:            getEnvAsFloat("OB_WARN_SPREAD_PCT", 0.2),
			MaxStalenessSeconds:          getEnvAsFloat("OB_MAX_STALENESS_SEC", 5),
			WarnStalenessSeconds:         getEnvAsFloat("OB_WARN_STALENESS_SEC", 2),
			ExcellentDepthMultiple:       getEnvAsFloat("OB_EXCELLENT_DEPTH_MULT", 10),
			GoodDepthMultiple:            getEnvAsFloat("OB_GOOD_DEPTH_MULT", 3),
			MarginalDepthMultiple:        getEnvAsFloat("OB_MARGINAL_DEPTH_MULT", 1),
			PostReconnectCooldownSeconds: getEnvAsFloat("OB_POST_RECONNECT_COOLDOWN_SEC", 10),
		},
		Rollback: RollbackConfig{
			MaxAttempts: getEnvAsInt("ROLLBACK_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvAsDuration("ROLLBACK_BASE_DELAY", 2*time.Second),
			SettleDelay: getEnvAsDuration("ROLLBACK_SETTLE_DELAY", 3*time.Second),
			VerifyDelay: getEnvAsDuration("ROLLBACK_VERIFY_DELAY", 1*time.Second),
			QueueSize:   getEnvAsInt("ROLLBACK_QUEUE_SIZE", 100),
		},
		Reconciler: ReconcilerConfig{
			Interval:            getEnvAsDuration("RECONCILER_INTERVAL", 5*time.Minute),
			PendingStaleAfter:   getEnvAsDuration("RECONCILER_PENDING_STALE", 120*time.Second),
			OpeningStaleAfter:   getEnvAsDuration("RECONCILER_OPENING_STALE", 3*time.Minute),
			SizeTolerancePct:    getEnvAsFloat("RECONCILER_SIZE_TOLERANCE_PCT", 5),
			SizeToleranceAbsUSD: getEnvAsFloat("RECONCILER_SIZE_TOLERANCE_USD", 5),
			AutoImportGhosts:    getEnvAsBool("RECONCILER_AUTO_IMPORT_GHOSTS", false),
			SoftCloseEnabled:    getEnvAsBool("RECONCILER_SOFT_CLOSE", true),
			SoftCloseTimeout:    getEnvAsDuration("RECONCILER_SOFT_CLOSE_TIMEOUT", 15*time.Second),
			LateFillWindow:      getEnvAsDuration("RECONCILER_LATE_FILL_WINDOW", time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// в dry-run режиме ключи бирж не нужны
	if c.Venues.DryRun {
		return nil
	}

	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for decrypting venue API keys")
	}
	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Execution.MaxLeg1Retries < 0 || c.Execution.MaxLeg1Retries > 5 {
		return fmt.Errorf("MAX_LEG1_RETRIES must be between 0 and 5, got %d", c.Execution.MaxLeg1Retries)
	}
	if c.Execution.ChaseIncrement < 0 || c.Execution.ChaseIncrement > 0.05 {
		return fmt.Errorf("CHASE_INCREMENT must be between 0 and 0.05, got %f", c.Execution.ChaseIncrement)
	}
	if c.Execution.FillTimeoutMin <= 0 || c.Execution.FillTimeoutMax < c.Execution.FillTimeoutMin {
		return fmt.Errorf("invalid fill timeout bounds: min=%v max=%v",
			c.Execution.FillTimeoutMin, c.Execution.FillTimeoutMax)
	}
	if c.Execution.FillTimeoutBase < c.Execution.FillTimeoutMin || c.Execution.FillTimeoutBase > c.Execution.FillTimeoutMax {
		return fmt.Errorf("FILL_TIMEOUT_BASE %v outside [%v, %v]",
			c.Execution.FillTimeoutBase, c.Execution.FillTimeoutMin, c.Execution.FillTimeoutMax)
	}
	if c.Execution.GracefulTimeout <= 0 {
		return fmt.Errorf("GRACEFUL_TIMEOUT must be positive, got %v", c.Execution.GracefulTimeout)
	}

	if c.Rollback.MaxAttempts < 1 || c.Rollback.MaxAttempts > 10 {
		return fmt.Errorf("ROLLBACK_MAX_ATTEMPTS must be between 1 and 10, got %d", c.Rollback.MaxAttempts)
	}
	if c.Rollback.QueueSize < 1 {
		return fmt.Errorf("ROLLBACK_QUEUE_SIZE must be positive, got %d", c.Rollback.QueueSize)
	}

	if c.Reconciler.Interval < 10*time.Second {
		return fmt.Errorf("RECONCILER_INTERVAL must be at least 10s, got %v", c.Reconciler.Interval)
	}
	if c.Reconciler.SizeTolerancePct < 0 || c.Reconciler.SizeTolerancePct > 50 {
		return fmt.Errorf("RECONCILER_SIZE_TOLERANCE_PCT must be between 0 and 50, got %f",
			c.Reconciler.SizeTolerancePct)
	}

	if c.Orderbook.MinDepthUSD <= 0 {
		return fmt.Errorf("OB_MIN_DEPTH_USD must be positive, got %f", c.Orderbook.MinDepthUSD)
	}
	if c.Orderbook.MaxSpreadPercent <= 0 {
		return fmt.Errorf("OB_MAX_SPREAD_PCT must be positive, got %f", c.Orderbook.MaxSpreadPercent)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
