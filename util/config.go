package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const Name = "cardfed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host            string
		HttpPort        int      `yaml:"httpPort"`
		SslDomain       string   `yaml:"sslDomain"`
		WithAp          bool     `yaml:"withAp"`
		StrictMode      bool     `yaml:"strictMode"`
		SignatureWindow int      `yaml:"signatureWindow"`
		ActorName       string   `yaml:"actorName"`
		DbDriver        string   `yaml:"dbDriver"`
		DbDsn           string   `yaml:"dbDsn"`
		TablePrefix     string   `yaml:"tablePrefix"`
		Debug           bool     `yaml:"debug"`
		KeyFile         string   `yaml:"keyFile"`
		Platforms       []string `yaml:"platforms"`
		RateLimit       struct {
			MaxTokens  float64 `yaml:"maxTokens"`
			RefillRate float64 `yaml:"refillRate"`
		} `yaml:"rateLimit"`
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		zap.S().Infof("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnv(c)
	applyDefaults(c)

	return c, nil
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("CARDFED_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("CARDFED_HTTPPORT"); v != "" {
		if port, err := strconv.Atoi(v); err != nil {
			zap.S().Warnf("Ignoring CARDFED_HTTPPORT=%q: %v", v, err)
		} else {
			c.Conf.HttpPort = port
		}
	}
	if v := os.Getenv("CARDFED_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if os.Getenv("CARDFED_WITH_AP") == "true" {
		c.Conf.WithAp = true
	}
	if os.Getenv("CARDFED_STRICT") == "true" {
		c.Conf.StrictMode = true
	}
	if v := os.Getenv("CARDFED_DB_DRIVER"); v != "" {
		c.Conf.DbDriver = v
	}
	if v := os.Getenv("CARDFED_DB_DSN"); v != "" {
		c.Conf.DbDsn = v
	}
	if v := os.Getenv("CARDFED_TABLE_PREFIX"); v != "" {
		c.Conf.TablePrefix = v
	}
	if v := os.Getenv("CARDFED_KAFKA_BROKERS"); v != "" {
		c.Conf.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CARDFED_PLATFORMS"); v != "" {
		c.Conf.Platforms = strings.Split(v, ",")
	}
	if os.Getenv("CARDFED_DEBUG") == "true" {
		c.Conf.Debug = true
	}
}

func applyDefaults(c *AppConfig) {
	if c.Conf.SignatureWindow <= 0 {
		c.Conf.SignatureWindow = 300
	}
	if c.Conf.ActorName == "" {
		c.Conf.ActorName = "instance"
	}
	if c.Conf.DbDriver == "" {
		c.Conf.DbDriver = "sqlite"
	}
	if c.Conf.DbDsn == "" {
		c.Conf.DbDsn = ResolveFilePath("cardfed.db")
	}
	if c.Conf.KeyFile == "" {
		c.Conf.KeyFile = ResolveFilePathWithSubdir("keys", "instance.pem")
	}
	if len(c.Conf.Platforms) == 0 {
		c.Conf.Platforms = []string{"local"}
	}
	if c.Conf.RateLimit.MaxTokens <= 0 {
		c.Conf.RateLimit.MaxTokens = 30
	}
	if c.Conf.RateLimit.RefillRate <= 0 {
		c.Conf.RateLimit.RefillRate = 30
	}
	if c.Conf.Kafka.Topic == "" {
		c.Conf.Kafka.Topic = "cardfed.sync-events"
	}
}
