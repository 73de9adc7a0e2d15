package api

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LeonardoBeccarini/pasture_project/pkg/config"
	"github.com/LeonardoBeccarini/pasture_project/pkg/rabbitmq"
)

// Config of the pasture-api binary. Every backend is optional.
type Config struct {
	Service        string   `yaml:"service"`
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	SampleFields   int      `yaml:"sample_fields"`

	DatabaseURL string `yaml:"database_url"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	Influx struct {
		URL      string        `yaml:"url"`
		Token    string        `yaml:"token"`
		Org      string        `yaml:"org"`
		Bucket   string        `yaml:"bucket"`
		Lookback time.Duration `yaml:"lookback"`
	} `yaml:"influx"`

	RedisURL    string                  `yaml:"redis_url"`
	AlertStream string                  `yaml:"alert_stream"`
	MQTT        rabbitmq.RabbitMQConfig `yaml:"mqtt"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// LoadConfig overlays the YAML file at path (optional) and the environment on the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = config.GetString("HTTP_ADDR", c.HTTPAddr)
	c.AllowedOrigins = config.GetList("FRONTEND_ORIGINS", c.AllowedOrigins)
	c.DatabaseURL = config.GetString("DATABASE_URL", c.DatabaseURL)
	c.AutoMigrate = config.GetBool("AUTO_MIGRATE", c.AutoMigrate)
	c.Influx.URL = config.GetString("INFLUX_URL", c.Influx.URL)
	c.Influx.Token = config.GetString("INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = config.GetString("INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = config.GetString("INFLUX_BUCKET", c.Influx.Bucket)
	c.Influx.Lookback = config.GetDuration("INFLUX_LOOKBACK", c.Influx.Lookback)
	c.RedisURL = config.GetString("REDIS_URL", c.RedisURL)
	c.MQTT.Host = config.GetString("RABBITMQ_HOST", c.MQTT.Host)
	c.MQTT.Port = config.GetInt("RABBITMQ_PORT", c.MQTT.Port)
	c.MQTT.User = config.GetString("RABBITMQ_USER", c.MQTT.User)
	c.MQTT.Password = config.GetString("RABBITMQ_PASSWORD", c.MQTT.Password)
	c.Log.Level = config.GetString("LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = config.GetBool("LOG_PRETTY", c.Log.Pretty)
}

func (c *Config) applyDefaults() {
	if c.Service == "" {
		c.Service = "pasture-api"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8000"
	}
	if c.SampleFields == 0 {
		c.SampleFields = 5
	}
	if c.Influx.Bucket == "" {
		c.Influx.Bucket = "sensors"
	}
	if c.AlertStream == "" {
		c.AlertStream = "alerts"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Service
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Influx.URL != "" && c.Influx.Org == "" {
		return fmt.Errorf("influx.org is required when influx.url is set")
	}
	if c.SampleFields < 0 {
		return fmt.Errorf("sample_fields must not be negative, got %d", c.SampleFields)
	}
	return nil
}
