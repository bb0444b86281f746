package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Directory of the cache to operate on.
	Directory string `yaml:"directory"`
	// MaxSize is the disk budget in bytes, used when the cache is opened.
	MaxSize int64 `yaml:"maxSize"`
	// Listen address for the admin server ("serve" command).
	Listen string `yaml:"listen"`
	// Database file for the "export" command.
	Database string `yaml:"db"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
