package infra

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config корневая структура конфигурации control plane.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Planner  PlannerConfig  `mapstructure:"planner"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ConsolePort     int           `mapstructure:"console_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (сессии, счетчики, Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig путь к публичному ключу RS256 для проверки токенов.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// EngineConfig настройки ядра: таймауты внешних вызовов, сессии, аудит.
type EngineConfig struct {
	StoreTimeout     time.Duration `mapstructure:"store_timeout"` // policy / credentials
	PolicyCacheTTL   time.Duration `mapstructure:"policy_cache_ttl"`
	HistoryLimit     int           `mapstructure:"history_limit"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	SessionIdleEvict time.Duration `mapstructure:"session_idle_evict"`
	PendingPlanTTL   time.Duration `mapstructure:"pending_plan_ttl"`
	SensitiveActions []string      `mapstructure:"sensitive_actions"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
}

// PlannerConfig настройки сервиса completion.
type PlannerConfig struct {
	Model          string        `mapstructure:"model"`
	BaseURL        string        `mapstructure:"base_url"`
	Persona        bool          `mapstructure:"persona"` // использовать выделенную персону планировщика
	Timeout        time.Duration `mapstructure:"timeout"`
	ThreadTTL      time.Duration `mapstructure:"thread_ttl"`
	ThreadMaxTurns int           `mapstructure:"thread_max_turns"`

	// Настройки Circuit Breaker для сервиса completion
	CBMaxRequests int           `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	RateLimit     float64       `mapstructure:"rate_limit"`
}

// ToolsConfig каталог инструментов и адрес коннектора CRM.
type ToolsConfig struct {
	CatalogPath   string        `mapstructure:"catalog_path"`
	ConnectorAddr string        `mapstructure:"connector_addr"`
	InvokeMethod  string        `mapstructure:"invoke_method"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"`
}

// SecretsConfig мастер-ключ для расшифровки интеграционных секретов (32 байта, base64).
type SecretsConfig struct {
	MasterKeyPath string `mapstructure:"master_key_path"`
	MasterKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: ENGINE_HISTORY_LIMIT=30 перекроет engine.history_limit
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключевой материал: сначала ENV (Docker/K8s), потом файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	masterKey, err := decodeMasterKey(loadKeyResource(cfg.Secrets.MasterKeyPath, "SECRETS_MASTER_KEY_DATA"))
	if err != nil {
		return nil, err
	}
	cfg.Secrets.MasterKey = masterKey

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.console_port", 8081)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("engine.store_timeout", 2*time.Second)
	v.SetDefault("engine.policy_cache_ttl", 30*time.Second)
	v.SetDefault("engine.history_limit", 20)
	v.SetDefault("engine.session_ttl", 24*time.Hour)
	v.SetDefault("engine.session_idle_evict", 2*time.Hour)
	v.SetDefault("engine.pending_plan_ttl", 24*time.Hour)
	v.SetDefault("engine.sensitive_actions", []string{"submit_order", "send_bulk_email"})
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)

	v.SetDefault("planner.model", "gpt-4o-mini")
	v.SetDefault("planner.persona", true)
	v.SetDefault("planner.timeout", 30*time.Second)
	v.SetDefault("planner.thread_ttl", 24*time.Hour)
	v.SetDefault("planner.thread_max_turns", 40)
	v.SetDefault("planner.cb_max_requests", 3)
	v.SetDefault("planner.cb_interval", 5*time.Second)
	v.SetDefault("planner.cb_timeout", 30*time.Second)
	v.SetDefault("planner.retry_attempts", 2)
	v.SetDefault("planner.rate_limit", 20)

	v.SetDefault("tools.catalog_path", "./configs/tools.yaml")
	v.SetDefault("tools.connector_addr", "localhost:50051")
	v.SetDefault("tools.invoke_method", "/studiocrm.tools.v1.ToolService/Invoke")
	v.SetDefault("tools.timeout", 10*time.Second)
	v.SetDefault("tools.rate_limit", 50)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource универсальный хелпер: ключ из ENV или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}

// decodeMasterKey ожидает base64 от 32 байт. Пустой ключ допустим: тогда секреты не расшифруются
// и ход упадет с CredentialLoadError, а не с паникой на старте.
func decodeMasterKey(raw []byte) ([]byte, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("secrets master key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
