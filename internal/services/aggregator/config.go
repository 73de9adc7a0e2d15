package aggregator

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LeonardoBeccarini/pasture_project/internal/sink"
	"github.com/LeonardoBeccarini/pasture_project/pkg/config"
	"github.com/LeonardoBeccarini/pasture_project/pkg/rabbitmq"
)

// Config is shared by the aggregator and event services; each cmd supplies its own
// defaults and the file and environment override them.
type Config struct {
	Service    string   `yaml:"service"`
	Policy     string   `yaml:"policy"`
	PolicyFile string   `yaml:"policy_file"`
	WindowSize int      `yaml:"window_size"`
	MaxKeys    int      `yaml:"max_keys"`
	DryRun     bool     `yaml:"dry_run"`
	Republish  bool     `yaml:"republish"`
	Topics     []string `yaml:"topics"`

	// AlertTopics carry alerts published by other services; only the event service reads them.
	AlertTopics []string `yaml:"alert_topics"`

	Dedup  DedupConfig             `yaml:"dedup"`
	MQTT   rabbitmq.RabbitMQConfig `yaml:"mqtt"`
	Redis  RedisConfig             `yaml:"redis"`
	Influx InfluxConfig            `yaml:"influx"`
	Neo4j  Neo4jConfig             `yaml:"neo4j"`
	Guard  GuardConfig             `yaml:"guard"`

	HTTPAddr string    `yaml:"http_addr"`
	GRPCAddr string    `yaml:"grpc_addr"`
	Log      LogConfig `yaml:"log"`
}

type DedupConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxKeys int           `yaml:"max_keys"`
}

type RedisConfig struct {
	URL          string `yaml:"url"`
	Stream       string `yaml:"stream"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
}

func (c RedisConfig) Configured() bool { return c.URL != "" }

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

func (c InfluxConfig) Configured() bool { return c.URL != "" }

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

func (c Neo4jConfig) Configured() bool { return c.URI != "" }

type GuardConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	TripAfter  uint32        `yaml:"trip_after"`
	OpenFor    time.Duration `yaml:"open_for"`
}

// Options converts the file form into sink options.
func (c GuardConfig) Options() sink.GuardOptions {
	return sink.GuardOptions{MaxRetries: c.MaxRetries, TripAfter: c.TripAfter, OpenFor: c.OpenFor}
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// LoadConfig starts from base, overlays the YAML file at path (if any) and then the
// environment, fills defaults and validates.
func LoadConfig(path string, base Config) (*Config, error) {
	cfg := base
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
	c.Policy = config.GetString("PASTURE_POLICY", c.Policy)
	c.PolicyFile = config.GetString("PASTURE_POLICY_FILE", c.PolicyFile)
	c.WindowSize = config.GetInt("WINDOW_SIZE", c.WindowSize)
	c.MaxKeys = config.GetInt("MAX_KEYS", c.MaxKeys)
	c.DryRun = config.GetBool("DRY_RUN", c.DryRun)
	c.Republish = config.GetBool("REPUBLISH", c.Republish)
	c.Topics = config.GetList("SUB_TOPICS", c.Topics)
	c.AlertTopics = config.GetList("ALERT_TOPICS", c.AlertTopics)

	c.MQTT.Host = config.GetString("RABBITMQ_HOST", c.MQTT.Host)
	c.MQTT.Port = config.GetInt("RABBITMQ_PORT", c.MQTT.Port)
	c.MQTT.User = config.GetString("RABBITMQ_USER", c.MQTT.User)
	c.MQTT.Password = config.GetString("RABBITMQ_PASSWORD", c.MQTT.Password)
	c.MQTT.ClientID = config.GetString("HOSTNAME", c.MQTT.ClientID)

	c.Redis.URL = config.GetString("REDIS_URL", c.Redis.URL)
	c.Influx.URL = config.GetString("INFLUX_URL", c.Influx.URL)
	c.Influx.Token = config.GetString("INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = config.GetString("INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = config.GetString("INFLUX_BUCKET", c.Influx.Bucket)
	c.Neo4j.URI = config.GetString("NEO4J_URI", c.Neo4j.URI)
	c.Neo4j.User = config.GetString("NEO4J_USER", c.Neo4j.User)
	c.Neo4j.Password = config.GetString("NEO4J_PASSWORD", c.Neo4j.Password)
	c.Neo4j.Database = config.GetString("NEO4J_DATABASE", c.Neo4j.Database)

	c.HTTPAddr = config.GetString("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = config.GetString("GRPC_ADDR", c.GRPCAddr)
	c.Log.Level = config.GetString("LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = config.GetBool("LOG_PRETTY", c.Log.Pretty)
}

func (c *Config) applyDefaults() {
	if c.Service == "" {
		c.Service = "pasture-aggregator"
	}
	if c.Policy == "" && c.PolicyFile == "" {
		c.Policy = LatestValuePolicyName
	}
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if len(c.Topics) == 0 {
		c.Topics = []string{sink.TopicSensorData + "/#"}
	}
	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = 10 * time.Minute
	}
	if c.Dedup.MaxKeys == 0 {
		c.Dedup.MaxKeys = 20000
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Service
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = sink.DefaultAlertStream
	}
	if c.Influx.Bucket == "" {
		c.Influx.Bucket = "events"
	}
	if c.Neo4j.Database == "" {
		c.Neo4j.Database = "neo4j"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1, got %d", c.WindowSize)
	}
	if c.MaxKeys < 0 {
		return fmt.Errorf("max_keys must not be negative, got %d", c.MaxKeys)
	}
	if c.PolicyFile == "" {
		if _, err := BuiltinPolicy(c.Policy); err != nil {
			return err
		}
	}
	if c.Influx.Configured() && c.Influx.Org == "" {
		return errors.New("influx.org is required when influx.url is set")
	}
	if c.HTTPAddr == "" {
		return errors.New("http_addr is required")
	}
	return nil
}

// LoadPolicy resolves the policy file when set, the built-in name otherwise.
func (c *Config) LoadPolicy() (*RulePolicy, error) {
	if c.PolicyFile != "" {
		return LoadPolicyFile(c.PolicyFile)
	}
	return BuiltinPolicy(c.Policy)
}

// Options returns the aggregator options the config describes.
func (c *Config) Options() Options {
	return Options{WindowSize: c.WindowSize, MaxKeys: c.MaxKeys}
}
