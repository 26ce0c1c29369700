package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models gridconsent.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Database struct {
		Driver    string `yaml:"driver"`
		Workspace string `yaml:"workspace"`
		DSN       string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`
	Handlers struct {
		Timeout       time.Duration `yaml:"timeout"`
		Workers       int           `yaml:"workers"`
		PollInterval  time.Duration `yaml:"poll_interval"`
		StaleAfter    time.Duration `yaml:"stale_after"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		ResyncOnStart bool          `yaml:"resync_on_start"`
	} `yaml:"handlers"`
	Validation struct {
		MaxHistoryMonths int `yaml:"max_history_months"`
		MaxFutureMonths  int `yaml:"max_future_months"`
	} `yaml:"validation"`
	DataNeeds map[string]DataNeed `yaml:"data_needs"`
	Regions   []Region            `yaml:"regions"`
	Outbound  struct {
		Webhooks     []Webhook     `yaml:"webhooks"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"outbound"`
	Telemetry struct {
		Enabled      bool   `yaml:"enabled"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		Insecure     bool   `yaml:"insecure"`
		ServiceName  string `yaml:"service_name"`
	} `yaml:"telemetry"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type DataNeed struct {
	Description string `yaml:"description"`
	Granularity string `yaml:"granularity"`
	// Retransmission is false for data needs that cannot be re-delivered.
	Retransmission *bool `yaml:"retransmission"`
}

// RetransmissionAllowed defaults to true.
func (d DataNeed) RetransmissionAllowed() bool {
	return d.Retransmission == nil || *d.Retransmission
}

type Region struct {
	ID                    string  `yaml:"id"`
	Country               string  `yaml:"country"`
	Kind                  string  `yaml:"kind"`
	BaseURL               string  `yaml:"base_url"`
	Token                 string  `yaml:"token"`
	Rate                  float64 `yaml:"rate"`
	Burst                 int     `yaml:"burst"`
	Retries               int     `yaml:"retries"`
	CallbackSecret        string  `yaml:"callback_secret"`
	RequiresMeteringPoint bool    `yaml:"requires_metering_point"`
	Simulation            struct {
		Decision         string        `yaml:"decision"`
		IssueCredentials bool          `yaml:"issue_credentials"`
		ReadingStep      time.Duration `yaml:"reading_step"`
		Latency          time.Duration `yaml:"latency"`
	} `yaml:"simulation"`
}

type Webhook struct {
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	Secret   string   `yaml:"secret"`
	Statuses []string `yaml:"statuses"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with gcx config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Handlers.Workers < 0 {
		return fmt.Errorf("config.handlers.workers must not be negative")
	}
	if c.Validation.MaxHistoryMonths < 0 || c.Validation.MaxFutureMonths < 0 {
		return fmt.Errorf("config.validation months must not be negative")
	}
	for id, dn := range c.DataNeeds {
		if id == "" {
			return fmt.Errorf("config.data_needs contains empty id")
		}
		if dn.Granularity != "" && !validGranularity(dn.Granularity) {
			return fmt.Errorf("data need %s has unknown granularity %s", id, dn.Granularity)
		}
	}
	if len(c.Regions) == 0 {
		return fmt.Errorf("config.regions needs at least one region connector")
	}
	seen := map[string]bool{}
	for _, r := range c.Regions {
		if r.ID == "" {
			return fmt.Errorf("config.regions contains empty id")
		}
		if seen[strings.ToLower(r.ID)] {
			return fmt.Errorf("region %s defined twice", r.ID)
		}
		seen[strings.ToLower(r.ID)] = true
		switch r.Kind {
		case "simulation":
			switch r.Simulation.Decision {
			case "", "accepted", "rejected", "pending", "received":
			default:
				return fmt.Errorf("region %s has unknown simulation decision %s", r.ID, r.Simulation.Decision)
			}
		case "rest":
			if r.BaseURL == "" {
				return fmt.Errorf("region %s needs base_url", r.ID)
			}
		default:
			return fmt.Errorf("region %s has unknown kind %q", r.ID, r.Kind)
		}
	}
	for _, w := range c.Outbound.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %s needs url", w.Name)
		}
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	return nil
}

func validGranularity(g string) bool {
	switch g {
	case "PT15M", "PT1H", "P1D", "P1M", "P1Y":
		return true
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gridconsent.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

database:
  driver: sqlite
  workspace: .

handlers:
  timeout: 30s
  workers: 8
  poll_interval: 1h
  stale_after: 168h
  sweep_interval: 1h
  resync_on_start: true

validation:
  max_history_months: 24
  max_future_months: 36

data_needs:
  historical-consumption:
    description: "Validated historical consumption data"
    granularity: PT1H
  monthly-summary:
    description: "Monthly consumption summary"
    granularity: P1M
  live-stream:
    description: "Near real-time readings"
    granularity: PT15M
    retransmission: false

regions:
  - id: sim
    country: XX
    kind: simulation
    callback_secret: sim-callback
    simulation:
      decision: accepted
      issue_credentials: true
      reading_step: 24h

outbound:
  poll_interval: 2s

telemetry:
  enabled: false
  service_name: gridconsent

log:
  level: info
  format: json
`
