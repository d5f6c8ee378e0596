package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modulend.toml")
	err := os.WriteFile(path, []byte(`
mode = "full"

[protocol]
chain_id = 31337
lock_ttl = "10s"

[wallet]
private_key = "`+validKey+`"

[server]
port = 9000

[[custody.sandbox_accounts]]
params = "lender"
owner = "0x00000000000000000000000000000000000000a1"
balances = { "0x0000000000000000000000000000000000000010" = "1000" }
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("MODULEND_SERVER_PORT", "9100")
	t.Setenv("MODULEND_NOTIFY_EVENTS", "order_filled, position_exited ,")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Protocol.ChainID != 31337 || cfg.Protocol.LockTTL.Duration != 10*time.Second {
		t.Fatalf("protocol = %+v", cfg.Protocol)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("port = %d, env override not applied", cfg.Server.Port)
	}
	if got := strings.Join(cfg.Notify.Events, "|"); got != "order_filled|position_exited" {
		t.Fatalf("events = %q", got)
	}
	if cfg.Assessor.LiquidationRatio != 11000 {
		t.Fatalf("default liquidation ratio lost: %d", cfg.Assessor.LiquidationRatio)
	}
	if len(cfg.Custody.Sandbox) != 1 || cfg.Custody.Sandbox[0].Balances["0x0000000000000000000000000000000000000010"] != "1000" {
		t.Fatalf("sandbox = %+v", cfg.Custody.Sandbox)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no key", func(c *Config) { c.Wallet.PrivateKey = "" }, "wallet: either private_key"},
		{"bad mode", func(c *Config) { c.Mode = "trade" }, "unknown mode"},
		{"remote without url", func(c *Config) { c.Custody.Mode = CustodyRemote }, "custody: base_url"},
		{"bad sandbox owner", func(c *Config) {
			c.Custody.Sandbox = []SandboxAccount{{Params: "x", Owner: "bob"}}
		}, "sandbox_accounts[0].owner"},
		{"archive without postgres", func(c *Config) { c.Archive.Enabled = true }, "archive: requires postgres"},
		{"telegram half configured", func(c *Config) { c.Notify.TelegramToken = "t" }, "telegram_chat_id"},
		{"bad protocol address", func(c *Config) { c.Protocol.Address = "0x12" }, "protocol: address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Wallet.PrivateKey = validKey
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}

	cfg := Defaults()
	cfg.Wallet.PrivateKey = validKey
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with a key: %v", err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = validKey
	cfg.Postgres.Password = "hunter2"
	cfg.Custody.Sandbox = []SandboxAccount{{Params: "p", Balances: map[string]string{"a": "1"}}}

	out := RedactedConfig(&cfg)
	if out.Wallet.PrivateKey != redacted || out.Postgres.Password != redacted {
		t.Fatalf("secrets not redacted: %+v", out.Wallet)
	}
	if out.S3.AccessKey != "" {
		t.Fatal("empty secret replaced")
	}
	out.Custody.Sandbox[0].Balances["a"] = "2"
	out.Server.CORSOrigins[0] = "changed"
	if cfg.Custody.Sandbox[0].Balances["a"] != "1" || cfg.Server.CORSOrigins[0] == "changed" {
		t.Fatal("redacted copy aliases the original")
	}
	if cfg.Wallet.PrivateKey != validKey {
		t.Fatal("original mutated")
	}
}
