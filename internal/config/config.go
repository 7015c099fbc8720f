// Package config loads polydeploy settings from YAML plus secrets.env.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Host is a remote target for the ssh installer and the push command.
type Host struct {
	Name    string `yaml:"name"`
	IP      string `yaml:"ip"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
	Port    int    `yaml:"port"`
}

type Config struct {
	Workspace struct {
		Root string `yaml:"root"`
	} `yaml:"workspace"`
	Scan struct {
		ManifestExt string `yaml:"manifest_ext"`
	} `yaml:"scan"`
	Install struct {
		Kind string `yaml:"kind"`
		// ModulesDir overrides the per-run modules area, so the host
		// inventory survives between runs.
		ModulesDir string   `yaml:"modules_dir"`
		Command    []string `yaml:"command"`
		Remote     struct {
			Host    string `yaml:"host"`
			Dir     string `yaml:"dir"`
			Command string `yaml:"command"`
		} `yaml:"remote"`
	} `yaml:"install"`
	Server struct {
		Addr  string `yaml:"addr"`
		Token string `yaml:"token"`
		TLS   struct {
			Cert        string `yaml:"cert"`
			Key         string `yaml:"key"`
			ClientCA    string `yaml:"client_ca"`
			RequireMTLS bool   `yaml:"require_mtls"`
		} `yaml:"tls"`
	} `yaml:"server"`
	Store struct {
		Driver   string `yaml:"driver"`
		Path     string `yaml:"path"`
		RedisURL string `yaml:"redis_url"`
	} `yaml:"store"`
	Client struct {
		Server       string        `yaml:"server"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Retries      int           `yaml:"retries"`
	} `yaml:"client"`
	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Hosts     []Host `yaml:"hosts"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// Dir is $XDG_CONFIG_HOME/polydeploy or ~/.config/polydeploy.
func Dir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "polydeploy")
}

// Default returns a config with every field set.
func Default() Config {
	var cfg Config
	dir := Dir()
	cfg.Workspace.Root = filepath.Join(os.TempDir(), "polydeploy")
	cfg.Scan.ManifestExt = ".dnn"
	cfg.Install.Kind = "modules"
	cfg.Install.Remote.Dir = "/tmp/polydeploy"
	cfg.Server.Addr = ":8088"
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(dir, "sessions.db")
	cfg.Store.RedisURL = "redis://localhost:6379"
	cfg.Client.Server = "http://localhost:8088"
	cfg.Client.PollInterval = time.Second
	cfg.Client.Retries = 3
	cfg.SSH.KeyDir = filepath.Join(dir, "ssh")
	cfg.SSH.KnownHosts = filepath.Join(dir, "known_hosts")
	cfg.Telemetry.Enabled = true
	return cfg
}

// LoadConfig reads YAML configuration from a path over Default(). If path is
// empty it resolves Dir()/config.yaml, and a missing default file is not an
// error.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(Dir(), "config.yaml")
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
	case explicit || !os.IsNotExist(err):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Tokens stay out of YAML: secrets.env and the environment win.
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("POLYDEPLOY_TOKEN"); v != "" {
		secrets["POLYDEPLOY_TOKEN"] = v
	}
	if v := os.Getenv("POLYDEPLOY_REDIS_URL"); v != "" {
		secrets["POLYDEPLOY_REDIS_URL"] = v
	}
	if t, ok := secrets["POLYDEPLOY_TOKEN"]; ok && t != "" {
		cfg.Server.Token = t
	}
	if u, ok := secrets["POLYDEPLOY_REDIS_URL"]; ok && u != "" {
		cfg.Store.RedisURL = u
	}
	return cfg, nil
}

// FindHost returns the configured host called name.
func (c Config) FindHost(name string) (Host, error) {
	for _, h := range c.Hosts {
		if h.Name == name {
			if h.Port == 0 {
				h.Port = 22
			}
			if h.KeyPath == "" {
				h.KeyPath = filepath.Join(c.SSH.KeyDir, "id_ed25519")
			}
			return h, nil
		}
	}
	return Host{}, fmt.Errorf("host not configured: %s", name)
}

// Write stores cfg as YAML at path, creating parent directories.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
