package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in a workspace.
const FileName = "twin.yml"

// Config models twin.yml.
type Config struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`
	Stream  StreamConfig `yaml:"stream"`
	Store   StoreConfig  `yaml:"store"`
	Journal struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"journal"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type StreamConfig struct {
	Transport string `yaml:"transport"`
	// URL overrides the stream endpoint derived from api.base_url.
	URL            string        `yaml:"url"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MQTT           MQTTConfig    `yaml:"mqtt"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type StoreConfig struct {
	MaxDecisions   int           `yaml:"max_decisions"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

const (
	TransportSSE  = "sse"
	TransportMQTT = "mqtt"
)

// streamPath is appended to api.base_url when stream.url is empty.
const streamPath = "/events/stream"

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with twin config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("config.api.base_url is required")
	}
	if err := checkHTTPURL(c.API.BaseURL); err != nil {
		return fmt.Errorf("config.api.base_url: %w", err)
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("config.api.timeout must not be negative")
	}
	switch c.Stream.Transport {
	case TransportSSE:
		if c.Stream.URL != "" {
			if err := checkHTTPURL(c.Stream.URL); err != nil {
				return fmt.Errorf("config.stream.url: %w", err)
			}
		}
	case TransportMQTT:
		if c.Stream.MQTT.Broker == "" {
			return fmt.Errorf("config.stream.mqtt.broker is required for the mqtt transport")
		}
		if c.Stream.MQTT.TopicPrefix == "" {
			return fmt.Errorf("config.stream.mqtt.topic_prefix is required for the mqtt transport")
		}
		if c.Stream.MQTT.QoS < 0 || c.Stream.MQTT.QoS > 2 {
			return fmt.Errorf("config.stream.mqtt.qos must be 0, 1 or 2")
		}
	default:
		return fmt.Errorf("config.stream.transport must be %q or %q", TransportSSE, TransportMQTT)
	}
	if c.Stream.InitialBackoff <= 0 || c.Stream.MaxBackoff <= 0 {
		return fmt.Errorf("config.stream backoff intervals must be positive")
	}
	if c.Stream.MaxBackoff < c.Stream.InitialBackoff {
		return fmt.Errorf("config.stream.max_backoff must not be below initial_backoff")
	}
	if c.Store.MaxDecisions <= 0 {
		return fmt.Errorf("config.store.max_decisions must be positive")
	}
	if c.Store.PersistTimeout <= 0 {
		return fmt.Errorf("config.store.persist_timeout must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config.log.format must be console or json")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// StreamURL returns the event stream endpoint: stream.url if set, otherwise
// derived from api.base_url so both follow the same deployment.
func (c *Config) StreamURL() string {
	if c.Stream.URL != "" {
		return c.Stream.URL
	}
	return strings.TrimRight(c.API.BaseURL, "/") + streamPath
}

// Clone returns a deep copy.
func (c *Config) Clone() (*Config, error) {
	var clone Config
	if err := deepcopy.Copy(&clone, c); err != nil {
		return nil, fmt.Errorf("clone config: %w", err)
	}
	return &clone, nil
}

// Resolved returns a copy with derived values filled in, for display.
func (c *Config) Resolved() (*Config, error) {
	clone, err := c.Clone()
	if err != nil {
		return nil, err
	}
	if clone.Stream.Transport == TransportSSE {
		clone.Stream.URL = c.StreamURL()
	}
	if clone.Stream.MQTT.Password != "" {
		clone.Stream.MQTT.Password = "********"
	}
	return clone, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML for the given backend.
func GenerateDefault(baseURL string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return fmt.Sprintf(defaultTemplate, baseURL)
}

// DefaultBaseURL is the backend API root used when nothing is configured.
const DefaultBaseURL = "http://localhost:5000/api"

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(DefaultBaseURL))).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `api:
  base_url: %s
  timeout: 10s

stream:
  # sse reads <base_url>/events/stream unless url is set; mqtt subscribes <topic_prefix>/+
  transport: sse
  url: ""
  initial_backoff: 1s
  max_backoff: 30s
  mqtt:
    broker: tcp://localhost:1883
    client_id: factorytwin
    topic_prefix: factory/events
    qos: 1

store:
  max_decisions: 200
  persist_timeout: 10s

journal:
  enabled: true

log:
  level: info
  format: console

server:
  addr: 127.0.0.1:8090
  base_path: /v0
`
