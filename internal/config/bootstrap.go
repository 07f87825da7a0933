package config

import (
	_ "embed"
	"errors"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed default.yml
var defaultYAML []byte

// Default returns the shipped configuration.
func Default() (Config, error) {
	var cfg Config
	err := yaml.Unmarshal(defaultYAML, &cfg)
	return cfg, err
}

// EnsureUserConfig copies defaultPath into dataDir on first run and returns
// the path of the user's config. An empty defaultPath writes the built-in
// defaults.
func EnsureUserConfig(dataDir string, defaultPath string) (string, error) {
	userPath := filepath.Join(dataDir, "config.yml")

	_, err := os.Stat(userPath)
	if err == nil {
		return userPath, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}

	if defaultPath == "" {
		return userPath, os.WriteFile(userPath, defaultYAML, 0o644)
	}

	src, err := os.Open(defaultPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.Create(userPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return userPath, nil
}
