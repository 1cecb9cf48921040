package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CADMonkey21/stratum-engine/logging"
)

const PoolURLScheme = "stratum+tcp"

type ServerConfig struct {
	ListenAddr        string        `yaml:"listenAddr"`
	Coins             []string      `yaml:"coins"`
	KeepaliveInterval time.Duration `yaml:"keepaliveInterval"`
	MaxConnections    int           `yaml:"maxConnections"`
	ProxyProtocol     bool          `yaml:"proxyProtocol"`
	MaxLineSize       int           `yaml:"maxLineSize"`
	SendQueueSize     int           `yaml:"sendQueueSize"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
}

type ClientConfig struct {
	PoolURL           string                 `yaml:"poolUrl"`
	Coins             []string               `yaml:"coins"`
	Miner             map[string]interface{} `yaml:"miner"`
	ReconnectDelay    time.Duration          `yaml:"reconnectDelay"`
	KeepaliveInterval time.Duration          `yaml:"keepaliveInterval"`
	RequestTimeout    time.Duration          `yaml:"requestTimeout"`
	MaxLineSize       int                    `yaml:"maxLineSize"`
	SendQueueSize     int                    `yaml:"sendQueueSize"`
	WriteTimeout      time.Duration          `yaml:"writeTimeout"`
}

type Config struct {
	LogLevel string       `yaml:"logLevel"`
	LogFile  string       `yaml:"logFile"`
	HTTP     bool         `yaml:"http"`
	Server   ServerConfig `yaml:"server"`
	Client   ClientConfig `yaml:"client"`
}

var Active = Default()

func DefaultServer() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":3333",
		KeepaliveInterval: 10 * time.Second,
		MaxLineSize:       64 * 1024,
		SendQueueSize:     256,
		WriteTimeout:      10 * time.Second,
	}
}

func DefaultClient() ClientConfig {
	return ClientConfig{
		ReconnectDelay:    time.Second,
		KeepaliveInterval: 10 * time.Second,
		RequestTimeout:    30 * time.Second,
		MaxLineSize:       64 * 1024,
		SendQueueSize:     256,
		WriteTimeout:      10 * time.Second,
	}
}

func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP:     true,
		Server:   DefaultServer(),
		Client:   DefaultClient(),
	}
}

// LoadConfig reads path on top of the defaults. A missing file is not an
// error, the defaults are used.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Warnf("No %s file found, using defaults.", path)
			return cfg, nil
		}
		return cfg, err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return cfg, nil
}

func (c ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("server.listenAddr is required")
	}
	if c.KeepaliveInterval < 0 {
		return errors.New("server.keepaliveInterval must not be negative")
	}
	if c.MaxConnections < 0 {
		return errors.New("server.maxConnections must not be negative")
	}
	return nil
}

func (c ClientConfig) Validate() error {
	if _, err := ParsePoolURL(c.PoolURL); err != nil {
		return err
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("client.reconnectDelay must be positive")
	}
	if c.KeepaliveInterval < 0 || c.RequestTimeout < 0 {
		return errors.New("client timeouts must not be negative")
	}
	return nil
}

// ParsePoolURL turns stratum+tcp://host:port into host:port.
func ParsePoolURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid pool url %q: %w", raw, err)
	}
	if u.Scheme != PoolURLScheme {
		return "", fmt.Errorf("invalid pool url %q: scheme must be %s", raw, PoolURLScheme)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || host == "" || port == "" {
		return "", fmt.Errorf("invalid pool url %q: expected host:port", raw)
	}
	return net.JoinHostPort(host, port), nil
}
