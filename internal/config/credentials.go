package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var builtinDefaults []byte

// MongoConfig holds the resolved database credentials.
type MongoConfig struct {
	URI      string
	Host     string
	Port     int
	User     string
	Password string

	// ConfigFile is the user config path that was consulted, and
	// ConfigFileFound whether it existed.
	ConfigFile      string
	ConfigFileFound bool
}

type credentialFile struct {
	ConfigFilename string `yaml:"config_filename"`
	DB             struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"db"`
}

// ConnectionURI returns the explicit URI when one was configured, otherwise
// one built from host, port and credentials.
func (c MongoConfig) ConnectionURI() string {
	if c.URI != "" {
		return c.URI
	}
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/",
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}

// Redacted is ConnectionURI with the password masked, for logs.
func (c MongoConfig) Redacted() string {
	u, err := url.Parse(c.ConnectionURI())
	if err != nil {
		return "<unparseable mongodb uri>"
	}
	return u.Redacted()
}

// LoadMongoConfig resolves credentials from, in increasing precedence, the
// built-in defaults, the user config file (CAB_CONFIGFILE or ~/.cabconfig)
// and MONGODB_* environment variables.
func LoadMongoConfig() (MongoConfig, error) {
	var defaults credentialFile
	if err := yaml.Unmarshal(builtinDefaults, &defaults); err != nil {
		return MongoConfig{}, fmt.Errorf("parse built-in defaults: %w", err)
	}

	cfg := MongoConfig{
		Host:     defaults.DB.Host,
		Port:     defaults.DB.Port,
		User:     defaults.DB.Username,
		Password: defaults.DB.Password,
	}

	cfg.ConfigFile = os.Getenv("CAB_CONFIGFILE")
	if cfg.ConfigFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.ConfigFile = filepath.Join(home, defaults.ConfigFilename)
		}
	}

	if cfg.ConfigFile != "" {
		user, err := readCredentialFile(cfg.ConfigFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return MongoConfig{}, err
		default:
			cfg.ConfigFileFound = true
			overlayString(&cfg.Host, user.DB.Host)
			overlayString(&cfg.User, user.DB.Username)
			overlayString(&cfg.Password, user.DB.Password)
			if user.DB.Port != 0 {
				cfg.Port = user.DB.Port
			}
		}
	}

	cfg.URI = getEnvOrDefault("MONGODB_URI", "")
	cfg.Host = getEnvOrDefault("MONGODB_HOST", cfg.Host)
	cfg.User = getEnvOrDefault("MONGODB_USER", cfg.User)
	cfg.Password = getEnvOrDefault("MONGODB_PASSWORD", cfg.Password)
	if port, err := parseOptionalIntEnv("MONGODB_PORT"); err != nil {
		return MongoConfig{}, err
	} else if port != nil {
		cfg.Port = *port
	}

	return cfg, nil
}

func readCredentialFile(path string) (credentialFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return credentialFile{}, err
	}
	var out credentialFile
	if err := yaml.Unmarshal(data, &out); err != nil {
		return credentialFile{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return out, nil
}

func overlayString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
