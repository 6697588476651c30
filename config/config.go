// Package config loads the worker's environment configuration and the
// YAML account registry.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"courier"
	"courier/outbound"
)

// SQL holds SQL Server connection settings.
type SQL struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"1433"`
	User     string `env:"USER" envDefault:"sa"`
	Password string `env:"SA_PASSWORD"`
	Database string `env:"DATABASE" envDefault:"courier"`
	Encrypt  string `env:"ENCRYPT" envDefault:"disable"`
}

// Worker is the process-level configuration for one delivery worker.
type Worker struct {
	Channel      string `env:"COURIER_CHANNEL" envDefault:"whatsapp"`
	AccountID    string `env:"COURIER_ACCOUNT_ID"`
	OwnerID      string `env:"COURIER_OWNER_ID"`
	RegistryPath string `env:"COURIER_REGISTRY" envDefault:"conf/courier/accounts.yaml"`
	MetricsAddr  string `env:"COURIER_METRICS_ADDR" envDefault:":8084"`
	LogLevel     string `env:"COURIER_LOG_LEVEL" envDefault:"info"`

	LeaseTTL          time.Duration `env:"COURIER_LEASE_TTL" envDefault:"120s"`
	HeartbeatInterval time.Duration `env:"COURIER_HEARTBEAT_INTERVAL" envDefault:"15s"`
	LeaseRetry        time.Duration `env:"COURIER_LEASE_RETRY" envDefault:"3s"`
	PollInterval      time.Duration `env:"COURIER_POLL_INTERVAL" envDefault:"1s"`
	ErrorBackoff      time.Duration `env:"COURIER_ERROR_BACKOFF" envDefault:"2s"`
	ClaimLock         time.Duration `env:"COURIER_CLAIM_LOCK" envDefault:"120s"`

	SQL SQL `envPrefix:"MSSQL_"`
}

// Load parses worker configuration from the environment, fills a stable
// per-process owner id when none is configured, and clamps the
// heartbeat interval to its floor.
func Load() (Worker, error) {
	var cfg Worker
	if err := env.Parse(&cfg); err != nil {
		return Worker{}, err
	}
	if strings.TrimSpace(cfg.AccountID) == "" {
		return Worker{}, errors.New("COURIER_ACCOUNT_ID is required")
	}
	if strings.TrimSpace(cfg.OwnerID) == "" {
		cfg.OwnerID = "courier-" + uuid.NewString()
	}
	if _, err := courier.ParseChannel(cfg.Channel); err != nil {
		return Worker{}, err
	}
	if cfg.HeartbeatInterval < outbound.MinHeartbeatInterval {
		cfg.HeartbeatInterval = outbound.MinHeartbeatInterval
	}
	return cfg, nil
}

// Outbound maps the worker timing settings onto the engine config.
func (w Worker) Outbound() outbound.Config {
	return outbound.Config{
		AccountID:         w.AccountID,
		OwnerID:           w.OwnerID,
		LeaseTTL:          w.LeaseTTL,
		HeartbeatInterval: w.HeartbeatInterval,
		LeaseRetry:        w.LeaseRetry,
		PollInterval:      w.PollInterval,
		ErrorBackoff:      w.ErrorBackoff,
		ClaimLock:         w.ClaimLock,
	}
}

// WhatsAppAccount configures the Cloud API sender for an account.
type WhatsAppAccount struct {
	PhoneNumberID  string `yaml:"phone_number_id"`
	TokenEnv       string `yaml:"token_env"`
	BaseURL        string `yaml:"base_url"`
	SendsPerSecond int    `yaml:"sends_per_second"`
}

// TelegramAccount configures the bot-platform sender for an account.
type TelegramAccount struct {
	TokenEnv string `yaml:"token_env"`
}

// Account is one registered channel account.
type Account struct {
	AccountID      string           `yaml:"account_id"`
	Channel        string           `yaml:"channel"`
	DisplayAddress string           `yaml:"display_address"`
	Enabled        bool             `yaml:"enabled"`
	WhatsApp       *WhatsAppAccount `yaml:"whatsapp,omitempty"`
	Telegram       *TelegramAccount `yaml:"telegram,omitempty"`
}

// Registry is the account roster loaded from YAML.
type Registry struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadRegistry reads and validates the account registry file.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, err
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return Registry{}, fmt.Errorf("parse registry %s: %w", path, err)
	}
	seen := make(map[string]bool, len(reg.Accounts))
	for i, account := range reg.Accounts {
		if strings.TrimSpace(account.AccountID) == "" {
			return Registry{}, fmt.Errorf("registry account %d: account_id is required", i)
		}
		if seen[account.AccountID] {
			return Registry{}, fmt.Errorf("registry account %q: duplicate account_id", account.AccountID)
		}
		seen[account.AccountID] = true
		channel, err := courier.ParseChannel(account.Channel)
		if err != nil {
			return Registry{}, fmt.Errorf("registry account %q: %w", account.AccountID, err)
		}
		if channel == courier.ChannelWhatsApp && account.WhatsApp == nil {
			return Registry{}, fmt.Errorf("registry account %q: whatsapp settings are required", account.AccountID)
		}
		if channel == courier.ChannelTelegram && account.Telegram == nil {
			return Registry{}, fmt.Errorf("registry account %q: telegram settings are required", account.AccountID)
		}
	}
	return Registry{Accounts: reg.Accounts}, nil
}

// AccountFor looks up an account by id.
func (r Registry) AccountFor(accountID string) (Account, bool) {
	for _, account := range r.Accounts {
		if account.AccountID == accountID {
			return account, true
		}
	}
	return Account{}, false
}
