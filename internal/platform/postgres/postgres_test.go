package postgres

import (
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if cfg.Pool.MaxOpen != defaultMaxOpen || cfg.Pool.MaxIdle != defaultMaxIdle {
		t.Fatalf("pool defaults = %+v", cfg.Pool)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	valid := Config{
		URL:         "postgres://localhost/fileworks",
		PingTimeout: time.Second,
		Pool: PoolLimits{
			MaxOpen:     defaultMaxOpen,
			MaxIdle:     defaultMaxIdle,
			MaxLifetime: defaultMaxLifetime,
			MaxIdleTime: defaultMaxIdleTime,
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.URL = "" }},
		{"zero ping timeout", func(c *Config) { c.PingTimeout = 0 }},
		{"zero max open", func(c *Config) { c.Pool.MaxOpen = 0 }},
		{"negative max idle", func(c *Config) { c.Pool.MaxIdle = -1 }},
		{"idle above open", func(c *Config) { c.Pool.MaxOpen = 2; c.Pool.MaxIdle = 3 }},
		{"negative lifetime", func(c *Config) { c.Pool.MaxLifetime = -time.Second }},
		{"negative idle time", func(c *Config) { c.Pool.MaxIdleTime = -time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}
