package commands

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// fileConfig is the YAML configuration of the stream command. Flags
// override values loaded from the file.
type fileConfig struct {
	Server struct {
		Hostname string `yaml:"hostname"`
		Port     int    `yaml:"port"`
		Mount    string `yaml:"mount"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		TLSMode  int    `yaml:"tls"`
		CAFile   string `yaml:"ca_file"`
		CADir    string `yaml:"ca_dir"`
	} `yaml:"server"`

	Audio struct {
		Codec    string  `yaml:"codec"`
		Rate     int     `yaml:"rate"`
		Channels int     `yaml:"channels"`
		Driver   string  `yaml:"driver"`
		Device   string  `yaml:"device"`
		Quality  float64 `yaml:"quality"`
	} `yaml:"audio"`

	Reconnect string `yaml:"reconnect"`
}

func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
