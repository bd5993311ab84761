// Package config loads the agent's settings from explicit flags, a
// YAML file, and the environment, in that precedence order.
//
// Grounded on original_source/settings.py's customise_sources chain
// (init kwargs > YAML file > environment variables); implemented with
// imdario/mergo's override-merge since Go has no settings-source
// framework anywhere in the retrieved pack.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/imdario/mergo"
	"gopkg.in/yaml.v3"

	"github.com/splightplatform/splight-agent/internal/agenterrors"
)

// Config is the complete, immutable set of values every component
// constructor is built from. It is assembled once at startup by Load
// and passed by reference from there on; nothing in this module keeps
// a package-level singleton of it.
type Config struct {
	ComputeNodeID    string `yaml:"COMPUTE_NODE_ID"`
	WorkspaceName    string `yaml:"WORKSPACE_NAME"`
	ECRRepository    string `yaml:"ECR_REPOSITORY"`
	Namespace        string `yaml:"NAMESPACE"`
	AccessID         string `yaml:"SPLIGHT_ACCESS_ID"`
	SecretKey        string `yaml:"SPLIGHT_SECRET_KEY"`
	APIHost          string `yaml:"SPLIGHT_PLATFORM_API_HOST"`
	APIVersion       string `yaml:"SPLIGHT_API_VERSION"`
	RunnerCLIVersion string `yaml:"RUNNER_CLI_VERSION"`

	PollIntervalSeconds    int  `yaml:"POLL_INTERVAL_SECONDS"`
	PingIntervalSeconds    int  `yaml:"PING_INTERVAL_SECONDS"`
	UsageIntervalSeconds   int  `yaml:"USAGE_INTERVAL_SECONDS"`
	LatencyIntervalSeconds int  `yaml:"LATENCY_INTERVAL_SECONDS"`
	CPUPercentSamples      int  `yaml:"CPU_PERCENT_SAMPLES"`
	ReportUsage            bool `yaml:"REPORT_USAGE"`

	ComponentImageDir string `yaml:"COMPONENT_IMAGE_DIR"`
	ServerImageDir    string `yaml:"SERVER_IMAGE_DIR"`

	LogLevel    string `yaml:"LOG_LEVEL"`
	LogJSON     bool   `yaml:"LOG_JSON"`
	MetricsAddr string `yaml:"METRICS_ADDR"`
}

// PollInterval, PingInterval, UsageInterval and LatencyInterval
// convert the configured second counts into time.Duration for the
// dispatcher/beacon/usage/latency constructors.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c Config) UsageInterval() time.Duration {
	return time.Duration(c.UsageIntervalSeconds) * time.Second
}

func (c Config) LatencyInterval() time.Duration {
	return time.Duration(c.LatencyIntervalSeconds) * time.Second
}

// Default returns the floor every other source merges on top of.
func Default() Config {
	return Config{
		APIHost:                "https://api.splight-ai.com",
		APIVersion:             "v2",
		RunnerCLIVersion:       "4.0.0",
		Namespace:              "default",
		PollIntervalSeconds:    10,
		PingIntervalSeconds:    30,
		UsageIntervalSeconds:   60,
		LatencyIntervalSeconds: 60,
		CPUPercentSamples:      4,
		ReportUsage:            false,
		ComponentImageDir:      "/images",
		ServerImageDir:         "/images/servers",
		LogLevel:               "info",
		LogJSON:                false,
		MetricsAddr:            "127.0.0.1:8080",
	}
}

func yamlConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".splight", "agent_config")
}

func loadYAML() (Config, error) {
	path := yamlConfigPath()
	if path == "" {
		return Config{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func loadEnv() Config {
	var c Config
	c.ComputeNodeID = os.Getenv("COMPUTE_NODE_ID")
	c.WorkspaceName = os.Getenv("WORKSPACE_NAME")
	c.ECRRepository = os.Getenv("ECR_REPOSITORY")
	c.Namespace = os.Getenv("NAMESPACE")
	c.AccessID = os.Getenv("SPLIGHT_ACCESS_ID")
	c.SecretKey = os.Getenv("SPLIGHT_SECRET_KEY")
	c.APIHost = os.Getenv("SPLIGHT_PLATFORM_API_HOST")
	c.APIVersion = os.Getenv("SPLIGHT_API_VERSION")
	c.RunnerCLIVersion = os.Getenv("RUNNER_CLI_VERSION")
	c.ComponentImageDir = os.Getenv("COMPONENT_IMAGE_DIR")
	c.ServerImageDir = os.Getenv("SERVER_IMAGE_DIR")
	c.LogLevel = os.Getenv("LOG_LEVEL")
	c.MetricsAddr = os.Getenv("METRICS_ADDR")

	if v, ok := envInt("API_POLL_INTERVAL"); ok {
		c.PollIntervalSeconds = v
	}
	if v, ok := envInt("API_PING_INTERVAL"); ok {
		c.PingIntervalSeconds = v
	}
	if v, ok := envInt("CPU_PERCENT_SAMPLES"); ok {
		c.CPUPercentSamples = v
	}
	if v, ok := envBool("REPORT_USAGE"); ok {
		c.ReportUsage = v
	}
	return c
}

func envInt(key string) (int, bool) {
	raw, set := os.LookupEnv(key)
	if !set {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(key string) (bool, bool) {
	raw, set := os.LookupEnv(key)
	if !set {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// Load assembles a Config from defaults, the environment, the YAML
// file at $HOME/.splight/agent_config, and explicit (flag-derived)
// overrides, in increasing precedence, and validates the result.
func Load(explicit Config) (Config, error) {
	merged := Default()

	env := loadEnv()
	if err := mergo.Merge(&merged, env, mergo.WithOverride); err != nil {
		return Config{}, err
	}

	yamlCfg, err := loadYAML()
	if err != nil {
		return Config{}, &agenterrors.ConfigurationError{Msg: "failed to read agent_config: " + err.Error()}
	}
	if err := mergo.Merge(&merged, yamlCfg, mergo.WithOverride); err != nil {
		return Config{}, err
	}

	if err := mergo.Merge(&merged, explicit, mergo.WithOverride); err != nil {
		return Config{}, err
	}

	if merged.ComputeNodeID == "" {
		return Config{}, &agenterrors.ConfigurationError{Msg: "COMPUTE_NODE_ID is required (flag, agent_config, or environment)"}
	}
	if merged.AccessID == "" || merged.SecretKey == "" {
		return Config{}, &agenterrors.ConfigurationError{Msg: "SPLIGHT_ACCESS_ID and SPLIGHT_SECRET_KEY are required"}
	}

	return merged, nil
}
