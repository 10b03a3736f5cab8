package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "miasma"

const (
	DefaultAPIBaseURL             = "http://localhost:8080/api/v1"
	DefaultRequestTimeout         = 30 * time.Second
	DefaultCampaignPollInterval   = 5 * time.Second
	DefaultSubmissionPollInterval = 7 * time.Second
	DefaultListPollInterval       = 10 * time.Second
	DefaultConsoleAddr            = ":8081"
	DefaultServerAddr             = ":8080"
	DefaultProgressQueue          = "campaign_progress"
)

// Config holds settings for the console and the dev server. Values are read
// from .env, then an optional YAML file, then MIASMA_* environment variables.
type Config struct {
	APIBaseURL     string        `yaml:"apiBaseUrl"     split_words:"true"`
	APIToken       string        `yaml:"apiToken"       split_words:"true"`
	RequestTimeout time.Duration `yaml:"requestTimeout" split_words:"true"`

	CampaignPollInterval   time.Duration `yaml:"campaignPollInterval"   split_words:"true"`
	SubmissionPollInterval time.Duration `yaml:"submissionPollInterval" split_words:"true"`
	ListPollInterval       time.Duration `yaml:"listPollInterval"       split_words:"true"`

	ConsoleAddr string `yaml:"consoleAddr" split_words:"true"`
	LogLevel    string `yaml:"logLevel"    split_words:"true"`
	Debug       bool   `yaml:"debug"`

	// Progress events over AMQP are optional; an empty URL disables them.
	AMQPURL       string `yaml:"amqpUrl"       envconfig:"AMQP_URL"`
	ProgressQueue string `yaml:"progressQueue" split_words:"true"`

	// Dev server
	ServerAddr       string `yaml:"serverAddr"       split_words:"true"`
	DatabaseHost     string `yaml:"databaseHost"     envconfig:"DB_HOST"`
	DatabasePort     string `yaml:"databasePort"     envconfig:"DB_PORT"`
	DatabaseUser     string `yaml:"databaseUser"     envconfig:"DB_USER"`
	DatabasePassword string `yaml:"databasePassword" envconfig:"DB_PASSWORD"`
	DatabaseName     string `yaml:"databaseName"     envconfig:"DB_NAME"`
	DatabaseSSLMode  string `yaml:"databaseSslMode"  envconfig:"DB_SSLMODE"`

	EngineSuccessRate   float64       `yaml:"engineSuccessRate"   split_words:"true"`
	EngineBaselineScore float64       `yaml:"engineBaselineScore" split_words:"true"`
	EngineStepDelay     time.Duration `yaml:"engineStepDelay"     split_words:"true"`
	DefaultSites        []string      `yaml:"defaultSites"        split_words:"true"`
}

func Default() *Config {
	return &Config{
		APIBaseURL:             DefaultAPIBaseURL,
		RequestTimeout:         DefaultRequestTimeout,
		CampaignPollInterval:   DefaultCampaignPollInterval,
		SubmissionPollInterval: DefaultSubmissionPollInterval,
		ListPollInterval:       DefaultListPollInterval,
		ConsoleAddr:            DefaultConsoleAddr,
		LogLevel:               "info",
		ProgressQueue:          DefaultProgressQueue,
		ServerAddr:             DefaultServerAddr,
		DatabaseHost:           "localhost",
		DatabasePort:           "5432",
		DatabaseUser:           "miasma_user",
		DatabaseName:           "miasma_db",
		DatabaseSSLMode:        "disable",
		EngineSuccessRate:      0.9,
		EngineBaselineScore:    0.82,
		EngineStepDelay:        500 * time.Millisecond,
		DefaultSites: []string{
			"fastpeoplesearch",
			"truepeoplesearch",
			"thatsthem",
			"radaris",
			"nuwber",
		},
	}
}

// Load builds the config. configFile may be empty.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	cfg := Default()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid apiBaseUrl %q", c.APIBaseURL)
	}
	durations := map[string]time.Duration{
		"requestTimeout":         c.RequestTimeout,
		"campaignPollInterval":   c.CampaignPollInterval,
		"submissionPollInterval": c.SubmissionPollInterval,
		"listPollInterval":       c.ListPollInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("invalid %s %s: must be positive", name, d)
		}
	}
	if c.EngineSuccessRate < 0 || c.EngineSuccessRate > 1 {
		return fmt.Errorf("invalid engineSuccessRate %f: must be between 0 and 1", c.EngineSuccessRate)
	}
	if c.EngineBaselineScore < 0 || c.EngineBaselineScore > 1 {
		return fmt.Errorf("invalid engineBaselineScore %f: must be between 0 and 1", c.EngineBaselineScore)
	}
	if c.EngineStepDelay < 0 {
		return fmt.Errorf("invalid engineStepDelay %s", c.EngineStepDelay)
	}
	return nil
}

// DatabaseURL is the lib/pq connection string for the dev server.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DatabaseUser, c.DatabasePassword),
		Host:     c.DatabaseHost + ":" + c.DatabasePort,
		Path:     "/" + c.DatabaseName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DatabaseSSLMode),
	}
	return u.String()
}
