// Пакет config — загрузка и валидация конфигурации Attachment Module
// из переменных окружения (префикс AT_).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Attachment Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (по умолчанию 8040)
	Port int
	// Базовый путь API (по умолчанию /api/attachment/v1)
	BasePath string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- Хранилище ---

	// Корневая директория хранилища (files/, drafts/)
	DataDir string
	// Максимальный размер загружаемого файла в байтах (по умолчанию 2 GB)
	MaxUploadSize int64
	// Время жизни черновика (по умолчанию 24h)
	DraftTTL time.Duration

	// --- Сборка мусора ---

	// Интервал удаления просроченных черновиков (по умолчанию 1h, 0 — отключено)
	GCInterval time.Duration

	// --- Кэш вложений ---

	CacheSize int
	CacheTTL  time.Duration

	// --- S3 (альтернативное хранилище файлов) ---

	S3Enabled   bool
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string
	// Path-style адресация (MinIO, Localstack)
	S3ForcePathStyle bool
	S3MaxRetries     int

	// --- JWT ---

	// URL JWKS endpoint. Пустое значение отключает проверку прав на
	// административных маршрутах (режим разработки).
	JWKSURL             string
	JWTIssuer           string
	JWKSClientTimeout   time.Duration
	JWKSRefreshInterval time.Duration
	JWTLeeway           time.Duration
	// Группы IdP, дающие роль admin
	AdminGroups []string

	// --- Мониторинг зависимостей ---

	DephealthEnabled       bool
	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration
}

// LoadDotEnv подгружает переменные из файла .env (если он есть).
// Уже заданные переменные окружения не перезаписываются.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("загрузка %s: %w", p, err)
		}
	}
	return nil
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("AT_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("AT_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AT_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.BasePath = strings.TrimRight(getEnvDefault("AT_BASE_PATH", "/api/attachment/v1"), "/")
	if !strings.HasPrefix(cfg.BasePath, "/") {
		return nil, fmt.Errorf("AT_BASE_PATH: путь должен начинаться с '/': %q", cfg.BasePath)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AT_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AT_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("AT_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AT_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("AT_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("AT_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("AT_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("AT_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("AT_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("AT_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("AT_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("AT_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Хранилище ---

	cfg.DataDir, err = getEnvRequired("AT_DATA_DIR")
	if err != nil {
		return nil, err
	}

	cfg.MaxUploadSize, err = getEnvInt64("AT_MAX_UPLOAD_SIZE", 2*1024*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("AT_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, errors.New("AT_MAX_UPLOAD_SIZE: значение должно быть > 0")
	}

	cfg.DraftTTL, err = getEnvDuration("AT_DRAFT_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AT_DRAFT_TTL: %w", err)
	}
	if cfg.DraftTTL <= 0 {
		return nil, errors.New("AT_DRAFT_TTL: значение должно быть > 0")
	}

	cfg.GCInterval, err = getEnvDuration("AT_GC_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AT_GC_INTERVAL: %w", err)
	}
	if cfg.GCInterval < 0 {
		return nil, errors.New("AT_GC_INTERVAL: значение должно быть >= 0")
	}

	// --- Кэш ---

	cfg.CacheSize, err = getEnvInt("AT_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("AT_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize <= 0 {
		return nil, errors.New("AT_CACHE_SIZE: значение должно быть > 0")
	}
	cfg.CacheTTL, err = getEnvDuration("AT_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AT_CACHE_TTL: %w", err)
	}

	// --- S3 ---

	cfg.S3Enabled, err = getEnvBool("AT_S3_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("AT_S3_ENABLED: %w", err)
	}
	cfg.S3Endpoint = getEnvDefault("AT_S3_ENDPOINT", "")
	cfg.S3Region = getEnvDefault("AT_S3_REGION", "us-east-1")
	cfg.S3Bucket = getEnvDefault("AT_S3_BUCKET", "")
	cfg.S3AccessKey = getEnvDefault("AT_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvDefault("AT_S3_SECRET_KEY", "")
	cfg.S3Prefix = getEnvDefault("AT_S3_PREFIX", "")
	cfg.S3ForcePathStyle, err = getEnvBool("AT_S3_FORCE_PATH_STYLE", true)
	if err != nil {
		return nil, fmt.Errorf("AT_S3_FORCE_PATH_STYLE: %w", err)
	}
	cfg.S3MaxRetries, err = getEnvInt("AT_S3_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("AT_S3_MAX_RETRIES: %w", err)
	}
	if cfg.S3Enabled && cfg.S3Bucket == "" {
		return nil, errors.New("AT_S3_BUCKET: обязателен при AT_S3_ENABLED=true")
	}

	// --- JWT ---

	cfg.JWKSURL = getEnvDefault("AT_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("AT_JWT_ISSUER", "")
	cfg.JWKSClientTimeout, err = getEnvDuration("AT_JWKS_CLIENT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AT_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("AT_JWKS_REFRESH_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AT_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("AT_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AT_JWT_LEEWAY: %w", err)
	}
	cfg.AdminGroups = splitList(getEnvDefault("AT_ADMIN_GROUPS", "artstore-admins"))

	// --- Dephealth ---

	cfg.DephealthEnabled, err = getEnvBool("AT_DEPHEALTH_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("AT_DEPHEALTH_ENABLED: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("AT_DEPHEALTH_GROUP", "attachment")
	cfg.DephealthCheckInterval, err = getEnvDuration("AT_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AT_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("AT_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AT_HTTP_READ_TIMEOUT: %w", err)
	}
	// Загрузка крупных чанков — увеличенный таймаут записи
	cfg.HTTPWriteTimeout, err = getEnvDuration("AT_HTTP_WRITE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AT_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("AT_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AT_HTTP_IDLE_TIMEOUT: %w", err)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("AT_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AT_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL (для меток dephealth, без пароля).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 из переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// splitList разбирает список через запятую, отбрасывая пустые элементы.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
