// Package config loads the fleet inventory and daemon settings from a
// YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/and161185/ros-fleet/internal/errs"
	"github.com/and161185/ros-fleet/internal/model"
)

// Duration wraps time.Duration so inventory files can say "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Router describes one managed device in the inventory.
type Router struct {
	ID       string   `yaml:"id"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	TLS      bool     `yaml:"tls"`
	Timeout  Duration `yaml:"timeout"`
}

// Sync holds background reconciliation settings.
type Sync struct {
	Interval      Duration `yaml:"interval"`
	IncludeActive bool     `yaml:"include_active"`
}

// Voucher holds batch generation settings.
type Voucher struct {
	Concurrency int `yaml:"concurrency"`
	MaxRetries  int `yaml:"max_retries"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Routers []Router `yaml:"routers"`
	Sync    Sync     `yaml:"sync"`
	Voucher Voucher  `yaml:"voucher"`
}

// Load reads and validates the configuration at path. Missing optional
// fields are filled with defaults; an empty router list is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		Sync:    Sync{Interval: Duration(5 * time.Minute)},
		Voucher: Voucher{Concurrency: 4, MaxRetries: 3},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Routers) == 0 {
		return fmt.Errorf("config: no routers defined")
	}
	seen := make(map[string]struct{}, len(c.Routers))
	for i, r := range c.Routers {
		if r.ID == "" {
			return fmt.Errorf("config: router #%d has no id", i+1)
		}
		if r.Host == "" {
			return fmt.Errorf("config: router %q has no host", r.ID)
		}
		if r.Username == "" {
			return fmt.Errorf("config: router %q has no username", r.ID)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("config: duplicate router id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("config: sync interval must not be negative")
	}
	if c.Voucher.Concurrency < 0 || c.Voucher.MaxRetries < 0 {
		return fmt.Errorf("config: voucher settings must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	for i := range c.Routers {
		r := &c.Routers[i]
		if r.Port == 0 {
			if r.TLS {
				r.Port = 8729
			} else {
				r.Port = 8728
			}
		}
		if r.Timeout == 0 {
			r.Timeout = Duration(10 * time.Second)
		}
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = Duration(5 * time.Minute)
	}
	if c.Voucher.Concurrency == 0 {
		c.Voucher.Concurrency = 4
	}
	if c.Voucher.MaxRetries == 0 {
		c.Voucher.MaxRetries = 3
	}
}

// Identity converts an inventory entry into a connection identity.
func (r Router) Identity() model.RouterIdentity {
	return model.RouterIdentity{
		ID:       r.ID,
		Host:     r.Host,
		Port:     r.Port,
		Username: r.Username,
		Password: r.Password,
		UseTLS:   r.TLS,
		Timeout:  time.Duration(r.Timeout),
	}
}

// Lookup returns a registry lookup function over the inventory.
// Unknown ids resolve to errs.ErrNotFound.
func (c *Config) Lookup() func(routerID string) (model.RouterIdentity, error) {
	byID := make(map[string]model.RouterIdentity, len(c.Routers))
	for _, r := range c.Routers {
		byID[r.ID] = r.Identity()
	}
	return func(routerID string) (model.RouterIdentity, error) {
		id, ok := byID[routerID]
		if !ok {
			return model.RouterIdentity{}, fmt.Errorf("router %q: %w", routerID, errs.ErrNotFound)
		}
		return id, nil
	}
}
