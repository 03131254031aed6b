package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the vitptq configuration file (~/.config/vitptq/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	DataPath string `yaml:"data_path"`
	DataSet  string `yaml:"data_set"`
	Out      string `yaml:"out"`
	Device   string `yaml:"device"`

	BatchSize *int64 `yaml:"batch_size"`
	Workers   *int64 `yaml:"workers"`
	NumCalib  *int64 `yaml:"num_calib"`

	// Landmarks
	BlockInput  string `yaml:"block_input"`
	BlockOutput string `yaml:"block_output"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vitptq", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyDataConfig applies config file defaults to the shared data flags
// when the corresponding CLI flag was not explicitly set.
func applyDataConfig(c *cli.Command, cfg Config) {
	if cfg.DataPath != "" && !c.IsSet("data-path") {
		dataPath = cfg.DataPath
	}
	if cfg.DataSet != "" && !c.IsSet("data-set") {
		dataSet = cfg.DataSet
	}
	if cfg.Device != "" && !c.IsSet("device") {
		device = cfg.Device
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		batchSize = *cfg.BatchSize
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
}

// applyQuantizeConfig applies config file defaults to quantize command
// variables.
func applyQuantizeConfig(c *cli.Command, cfg Config, out *string, numCalib *int64, blockInput, blockOutput *string) {
	applyDataConfig(c, cfg)
	if cfg.Out != "" && !c.IsSet("out") {
		*out = cfg.Out
	}
	if cfg.NumCalib != nil && !c.IsSet("num-calib") {
		*numCalib = *cfg.NumCalib
	}
	if cfg.BlockInput != "" && !c.IsSet("block-input") {
		*blockInput = cfg.BlockInput
	}
	if cfg.BlockOutput != "" && !c.IsSet("block-output") {
		*blockOutput = cfg.BlockOutput
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, dir, addr *string) {
	if cfg.Out != "" && !c.IsSet("dir") {
		*dir = cfg.Out
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
