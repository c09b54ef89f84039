// Пакет config — загрузка и валидация конфигурации BuildFleet
// из переменных окружения и YAML-файла таблицы архетипов.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации BuildFleet.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- CI-сервер (Jenkins) ---

	// URL Jenkins
	CIURL string
	// Пользователь Jenkins
	CIUser string
	// API-токен Jenkins
	CIToken string
	// Таймаут одного вызова API Jenkins
	CICallTimeout time.Duration
	// Количество повторов при сетевой ошибке / 5xx
	CIRetries int

	// --- OpenStack ---

	// URL Keystone (identity endpoint)
	OSAuthURL string
	// Имя пользователя OpenStack
	OSUsername string
	// Пароль OpenStack
	OSPassword string
	// Имя тенанта/проекта
	OSTenantName string
	// Регион
	OSRegion string
	// Таймаут одного вызова провайдера
	OSCallTimeout time.Duration

	// --- Таблица архетипов ---

	// Путь к YAML-файлу с таблицей архетипов
	ArchetypesPath string

	// --- Reconciliation ---

	// Период сканирования очереди и проверки простоя
	ScanInterval time.Duration
	// Период зачистки «сирот»
	OrphanSweepInterval time.Duration
	// Окно дедупликации: недавно созданная машина считается
	// «вероятно ещё поднимается», и дубликат не создаётся
	DedupWindow time.Duration
	// Доля запрошенной ёмкости, создаваемая за один проход
	BufferRatio float64
	// Таймаут простоя: машина, простаивающая дольше, уничтожается
	IdleTimeout time.Duration
	// Грейс-период «сироты»: запись, чья машина так и не
	// зарегистрировалась в CI, живёт не дольше этого срока
	OrphanGrace time.Duration

	// --- Мониторинг зависимостей ---

	// Группа в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// BF_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("BF_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("BF_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("BF_PORT: значение %d вне допустимого диапазона", cfg.Port)
	}

	// BF_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("BF_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("BF_LOG_LEVEL: %w", err)
	}

	// BF_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("BF_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("BF_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	// BF_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("BF_DB_HOST")
	if err != nil {
		return nil, err
	}

	// BF_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("BF_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("BF_DB_PORT: %w", err)
	}

	// BF_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("BF_DB_NAME")
	if err != nil {
		return nil, err
	}

	// BF_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("BF_DB_USER")
	if err != nil {
		return nil, err
	}

	// BF_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("BF_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// BF_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("BF_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("BF_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- CI-сервер ---

	// BF_CI_URL — обязательный
	cfg.CIURL, err = getEnvRequired("BF_CI_URL")
	if err != nil {
		return nil, err
	}
	cfg.CIURL = strings.TrimRight(cfg.CIURL, "/")

	// BF_CI_USER — обязательный
	cfg.CIUser, err = getEnvRequired("BF_CI_USER")
	if err != nil {
		return nil, err
	}

	// BF_CI_TOKEN — обязательный
	cfg.CIToken, err = getEnvRequired("BF_CI_TOKEN")
	if err != nil {
		return nil, err
	}

	// BF_CI_CALL_TIMEOUT — таймаут вызова Jenkins (по умолчанию 15s)
	cfg.CICallTimeout, err = getEnvDuration("BF_CI_CALL_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BF_CI_CALL_TIMEOUT: %w", err)
	}

	// BF_CI_RETRIES — количество повторов (по умолчанию 2)
	cfg.CIRetries, err = getEnvInt("BF_CI_RETRIES", 2)
	if err != nil {
		return nil, fmt.Errorf("BF_CI_RETRIES: %w", err)
	}
	if cfg.CIRetries < 0 || cfg.CIRetries > 10 {
		return nil, fmt.Errorf("BF_CI_RETRIES: значение %d вне допустимого диапазона 0-10", cfg.CIRetries)
	}

	// --- OpenStack ---

	// BF_OS_AUTH_URL — обязательный
	cfg.OSAuthURL, err = getEnvRequired("BF_OS_AUTH_URL")
	if err != nil {
		return nil, err
	}

	// BF_OS_USERNAME — обязательный
	cfg.OSUsername, err = getEnvRequired("BF_OS_USERNAME")
	if err != nil {
		return nil, err
	}

	// BF_OS_PASSWORD — обязательный
	cfg.OSPassword, err = getEnvRequired("BF_OS_PASSWORD")
	if err != nil {
		return nil, err
	}

	// BF_OS_TENANT_NAME — обязательный
	cfg.OSTenantName, err = getEnvRequired("BF_OS_TENANT_NAME")
	if err != nil {
		return nil, err
	}

	// BF_OS_REGION — регион (по умолчанию RegionOne)
	cfg.OSRegion = getEnvDefault("BF_OS_REGION", "RegionOne")

	// BF_OS_CALL_TIMEOUT — таймаут вызова провайдера (по умолчанию 60s)
	cfg.OSCallTimeout, err = getEnvDuration("BF_OS_CALL_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BF_OS_CALL_TIMEOUT: %w", err)
	}

	// --- Таблица архетипов ---

	// BF_ARCHETYPES_PATH — обязательный
	cfg.ArchetypesPath, err = getEnvRequired("BF_ARCHETYPES_PATH")
	if err != nil {
		return nil, err
	}

	// --- Reconciliation ---

	// BF_SCAN_INTERVAL — период сканирования очереди (по умолчанию 30s)
	cfg.ScanInterval, err = getEnvDuration("BF_SCAN_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BF_SCAN_INTERVAL: %w", err)
	}

	// BF_ORPHAN_SWEEP_INTERVAL — период зачистки сирот (по умолчанию 120s)
	cfg.OrphanSweepInterval, err = getEnvDuration("BF_ORPHAN_SWEEP_INTERVAL", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BF_ORPHAN_SWEEP_INTERVAL: %w", err)
	}

	// BF_DEDUP_WINDOW — окно дедупликации (по умолчанию 8m)
	cfg.DedupWindow, err = getEnvDuration("BF_DEDUP_WINDOW", 8*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("BF_DEDUP_WINDOW: %w", err)
	}

	// BF_BUFFER_RATIO — доля создаваемой ёмкости (по умолчанию 0.75)
	cfg.BufferRatio, err = getEnvFloat("BF_BUFFER_RATIO", 0.75)
	if err != nil {
		return nil, fmt.Errorf("BF_BUFFER_RATIO: %w", err)
	}
	if cfg.BufferRatio <= 0 || cfg.BufferRatio > 1 {
		return nil, fmt.Errorf("BF_BUFFER_RATIO: значение %g вне допустимого диапазона (0, 1]", cfg.BufferRatio)
	}

	// BF_IDLE_TIMEOUT — таймаут простоя (по умолчанию 600s)
	cfg.IdleTimeout, err = getEnvDuration("BF_IDLE_TIMEOUT", 600*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BF_IDLE_TIMEOUT: %w", err)
	}

	// BF_ORPHAN_GRACE — грейс-период сироты (по умолчанию 900s)
	cfg.OrphanGrace, err = getEnvDuration("BF_ORPHAN_GRACE", 900*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BF_ORPHAN_GRACE: %w", err)
	}

	// --- Мониторинг зависимостей ---

	// BF_DEPHEALTH_GROUP — группа в метриках (по умолчанию buildfleet)
	cfg.DephealthGroup = getEnvDefault("BF_DEPHEALTH_GROUP", "buildfleet")

	// BF_DEPHEALTH_CHECK_INTERVAL — интервал проверки (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("BF_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BF_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// BF_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("BF_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BF_SHUTDOWN_TIMEOUT: %w", err)
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

// DatabaseURL возвращает URL подключения к PostgreSQL.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
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

// getEnvFloat возвращает вещественное значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
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
