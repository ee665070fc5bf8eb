// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the broker service configuration.
//
// Configuration comes from, in increasing precedence: DefaultConfig, an
// optional YAML file, and environment variables.
package config

import (
	"time"
)

// Config is the broker service configuration.
type Config struct {
	// Server
	Port     int    `yaml:"port" validate:"gte=1,lte=65535"`
	APIToken string `yaml:"api_token"`

	// Items
	ItemsFile   string `yaml:"items_file" validate:"required"`
	WatchItems  bool   `yaml:"watch_items"`
	SecretKey   string `yaml:"secret_key" validate:"omitempty,min=16"`
	InsecureTLS bool   `yaml:"insecure_tls"`

	// Logging and tracing
	LogLevel     string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogDir       string `yaml:"log_dir"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	Broker    BrokerConfig    `yaml:"broker"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
}

// BrokerConfig tunes login and the retry loop.
type BrokerConfig struct {
	MaxAttempts             int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	NearExpiryBuffer        time.Duration `yaml:"near_expiry_buffer" validate:"gte=0"`
	CallTimeout             time.Duration `yaml:"call_timeout" validate:"gt=0"`
	PassiveLoginTimeout     time.Duration `yaml:"passive_login_timeout" validate:"gt=0"`
	InteractiveLoginTimeout time.Duration `yaml:"interactive_login_timeout" validate:"gt=0"`
	SafetyMargin            float64       `yaml:"safety_margin" validate:"gte=0,lt=1"`
	UpstreamTimeout         time.Duration `yaml:"upstream_timeout" validate:"gt=0"`
}

// LifecycleConfig tunes the expiry reaper and the shutdown drain.
type LifecycleConfig struct {
	ReapInterval      time.Duration `yaml:"reap_interval" validate:"gt=0"`
	LogoutTimeout     time.Duration `yaml:"logout_timeout" validate:"gt=0"`
	LogoutConcurrency int           `yaml:"logout_concurrency" validate:"gte=1,lte=64"`
	DrainBudget       time.Duration `yaml:"drain_budget" validate:"gt=0"`
	PacerIdle         time.Duration `yaml:"pacer_idle" validate:"gte=0"`
}

// DefaultConfig returns the defaults used when neither file nor
// environment sets a value.
func DefaultConfig() Config {
	return Config{
		Port:       12080,
		ItemsFile:  "items.jsonc",
		WatchItems: true,
		LogLevel:   "info",
		Broker: BrokerConfig{
			MaxAttempts:             3,
			NearExpiryBuffer:        60 * time.Second,
			CallTimeout:             5 * time.Second,
			PassiveLoginTimeout:     3 * time.Second,
			InteractiveLoginTimeout: 10 * time.Second,
			SafetyMargin:            0.1,
			UpstreamTimeout:         30 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			ReapInterval:      60 * time.Second,
			LogoutTimeout:     3 * time.Second,
			LogoutConcurrency: 4,
			DrainBudget:       3 * time.Second,
			PacerIdle:         10 * time.Minute,
		},
	}
}
