package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	MinGamePort     = 8850
	MaxGamePort     = 8999
	DefaultGamePort = 8852

	MinStorePort = 4000
	MaxStorePort = 5000

	// DefaultMaxPayloadBytes matches the 25mb body limit experiments were tuned against.
	DefaultMaxPayloadBytes = 25 << 20
)

var ErrInvalidGamePort = errors.New("invalid gameport: choose a gameport between 8850 and 8999")

// Config 聚合整个服务的配置项。
type Config struct {
	Gateway GatewayConfig
	Store   StoreConfig
	Log     LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	gateway, err := loadGatewayConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	gateway.StoreDataDir = store.DataDir

	return &Config{Gateway: gateway, Store: store, Log: loadLogConfig()}, nil
}

// GatewayConfig 描述面向参与者的网关配置。
type GatewayConfig struct {
	GamePort            int
	StorePortMin        int
	StorePortMax        int
	LocalStore          bool
	AppRoot             string
	StoreDataDir        string
	CertDir             string
	MaxPayloadBytes     int64
	StoreRequestTimeout time.Duration
	StoreRestartDelay   time.Duration
}

// Addr returns the public listen address.
func (c GatewayConfig) Addr() string {
	return ":" + strconv.Itoa(c.GamePort)
}

// ValidateGamePort rejects public ports outside the range reserved for experiments.
func ValidateGamePort(port int) error {
	if port < MinGamePort || port > MaxGamePort {
		return fmt.Errorf("%w (got %d)", ErrInvalidGamePort, port)
	}
	return nil
}

func loadGatewayConfig() (GatewayConfig, error) {
	gamePort := DefaultGamePort
	if override, err := parseOptionalIntEnv("GAMEPORT"); err != nil {
		return GatewayConfig{}, err
	} else if override != nil {
		gamePort = *override
	}

	localStore, err := parseBoolEnv("LOCAL_STORE", false)
	if err != nil {
		return GatewayConfig{}, err
	}

	timeout, err := parseDurationEnv("STORE_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return GatewayConfig{}, err
	}

	restartDelay, err := parseDurationEnv("STORE_RESTART_DELAY", 2*time.Second)
	if err != nil {
		return GatewayConfig{}, err
	}

	maxPayload := int64(DefaultMaxPayloadBytes)
	if override, err := parseOptionalIntEnv("MAX_PAYLOAD_BYTES"); err != nil {
		return GatewayConfig{}, err
	} else if override != nil && *override > 0 {
		maxPayload = int64(*override)
	}

	appRoot := getEnvOrDefault("APP_ROOT", "")
	if appRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			appRoot = wd
		} else {
			appRoot = "."
		}
	}

	return GatewayConfig{
		GamePort:            gamePort,
		StorePortMin:        MinStorePort,
		StorePortMax:        MaxStorePort,
		LocalStore:          localStore,
		AppRoot:             appRoot,
		CertDir:             getEnvOrDefault("CERT_DIR", "/etc/letsencrypt/live/cogtoolslab.org"),
		MaxPayloadBytes:     maxPayload,
		StoreRequestTimeout: timeout,
		StoreRestartDelay:   restartDelay,
	}, nil
}

// StoreConfig 描述存储进程配置。
type StoreConfig struct {
	Port         int
	Local        bool
	DataDir      string
	RetryDelay   time.Duration
	MaxBodyBytes int64
	Mongo        MongoConfig
}

// Addr returns the loopback address the store listens on.
func (c StoreConfig) Addr() string {
	return "127.0.0.1:" + strconv.Itoa(c.Port)
}

func loadStoreConfig() (StoreConfig, error) {
	port := 8012
	if override, err := parseOptionalIntEnv("STORE_PORT"); err != nil {
		return StoreConfig{}, err
	} else if override != nil {
		port = *override
	}

	retryDelay, err := parseDurationEnv("STORE_RETRY_DELAY", 2*time.Second)
	if err != nil {
		return StoreConfig{}, err
	}

	mongo, err := LoadMongoConfig()
	if err != nil {
		return StoreConfig{}, err
	}

	return StoreConfig{
		Port:         port,
		DataDir:      getEnvOrDefault("STORE_DATA_DIR", DefaultDataDir()),
		RetryDelay:   retryDelay,
		MaxBodyBytes: DefaultMaxPayloadBytes,
		Mongo:        mongo,
	}, nil
}

// DefaultDataDir 返回本地 SQLite 数据目录，位于用户主目录下而非工作目录，
// 避免落在静态资源根目录中。
func DefaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".cab-experiments", "data")
	}
	return filepath.Join(os.TempDir(), "cab-experiments", "data")
}

// LogConfig 描述日志输出配置。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
