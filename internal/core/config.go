package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	prov "github.com/synthmsg/botfleet/internal/providers"
	"gopkg.in/yaml.v3"
)

// ConfigDir resolves $XDG_CONFIG_HOME/botfleet or ~/.config/botfleet.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "botfleet")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// config.yaml under ConfigDir and tolerates its absence. Values from
// secrets.env and then the process environment override the file.
func LoadConfig(path string) (prov.Config, error) {
	var cfg prov.Config
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Secrets live next to the config so tokens stay out of YAML.
	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	applyEnv(&cfg, secrets)
	cfg.ApplyDefaults()
	return cfg, nil
}

var envKeys = []string{
	"HCLOUD_TOKEN",
	"DIGITALOCEAN_ACCESS_TOKEN",
	"VULTR_API_KEY",
	"SYN_USER",
	"SYN_PREFIX",
	"SYN_PLAN",
	"SYN_PROVIDER",
}

func applyEnv(cfg *prov.Config, secrets map[string]string) {
	vals := map[string]string{}
	for k, v := range secrets {
		vals[k] = v
	}
	for _, k := range envKeys {
		if v := os.Getenv(k); v != "" {
			vals[k] = v
		}
	}
	set := func(dst *string, key string) {
		if v := vals[key]; v != "" {
			*dst = v
		}
	}
	set(&cfg.Providers.Hetzner.Token, "HCLOUD_TOKEN")
	set(&cfg.Providers.DigitalOcean.Token, "DIGITALOCEAN_ACCESS_TOKEN")
	set(&cfg.Providers.Vultr.Token, "VULTR_API_KEY")
	set(&cfg.SSH.User, "SYN_USER")
	set(&cfg.Fleet.Prefix, "SYN_PREFIX")
	set(&cfg.Fleet.Plan, "SYN_PLAN")
	set(&cfg.Providers.Default, "SYN_PROVIDER")
}

// LoadServerKey reads the secret written to each bot before launch. A missing
// file yields an empty key; start and record then refuse to run.
func LoadServerKey(path string) (string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read server key: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
