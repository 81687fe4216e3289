// Package config holds the client configuration. The configuration is an
// explicit value owned by a Manager and passed down to whoever needs it;
// there is no ambient global.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	// ModeOnline synchronizes trap/hoard locations with the remote server.
	ModeOnline Mode = "online"
	// ModeOffline only tracks locations you have seen yourself.
	ModeOffline Mode = "offline"
)

type Config struct {
	Mode      Mode      `yaml:"mode"`
	ServerURL string    `yaml:"server_url"`
	Accounts  []Account `yaml:"accounts,omitempty"`
	Backups   Backups   `yaml:"backups"`

	RenderDistance float32 `yaml:"render_distance,omitempty"`
}

// Account is the per-server account assignment. Each remote endpoint assigns
// its own account id, so there may be several entries.
type Account struct {
	Server      string   `yaml:"server"`
	AccountID   string   `yaml:"account_id"`
	CachedRoles []string `yaml:"cached_roles,omitempty"`
}

type Backups struct {
	MinimumToKeep     int `yaml:"minimum_to_keep"`
	DaysToDeleteAfter int `yaml:"days_to_delete_after"`
}

func Defaults() *Config {
	return &Config{
		Mode:           ModeOnline,
		ServerURL:      "wss://pal.liza.sh/ws",
		Backups:        Backups{MinimumToKeep: 3, DaysToDeleteAfter: 21},
		RenderDistance: 25,
	}
}

func (c *Config) FindAccount(server string) *Account {
	for i := range c.Accounts {
		if c.Accounts[i].Server == server {
			return &c.Accounts[i]
		}
	}
	return nil
}

func (c *Config) CreateAccount(server, accountID string) *Account {
	if a := c.FindAccount(server); a != nil {
		a.AccountID = accountID
		return a
	}
	c.Accounts = append(c.Accounts, Account{Server: server, AccountID: accountID})
	return &c.Accounts[len(c.Accounts)-1]
}

func (c *Config) RemoveAccount(server string) {
	kept := c.Accounts[:0]
	for _, a := range c.Accounts {
		if a.Server != server {
			kept = append(kept, a)
		}
	}
	c.Accounts = kept
}

func (c *Config) HasRoleOnServer(server, role string) bool {
	a := c.FindAccount(server)
	if a == nil {
		return false
	}
	for _, r := range a.CachedRoles {
		if r == role {
			return true
		}
	}
	return false
}

func (c *Config) clone() *Config {
	dup := *c
	dup.Accounts = make([]Account, len(c.Accounts))
	copy(dup.Accounts, c.Accounts)
	for i := range dup.Accounts {
		dup.Accounts[i].CachedRoles = append([]string(nil), c.Accounts[i].CachedRoles...)
	}
	return &dup
}

// PartialID truncates an account id for privacy; only the truncated form is
// ever stored next to location data or sent in logs. Collisions would need
// two account ids sharing the first 13 characters.
func PartialID(accountID string) string {
	if accountID == "" {
		return ""
	}
	const length = 13
	if len(accountID) <= length {
		return accountID
	}
	return accountID[:length]
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Mode != ModeOnline && cfg.Mode != ModeOffline {
		return nil, fmt.Errorf("config: unknown mode %q", cfg.Mode)
	}
	cfg.ServerURL = strings.TrimSpace(cfg.ServerURL)
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
