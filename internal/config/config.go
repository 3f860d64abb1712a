// Copyright (c) 2026 Attentify
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	// Google OAuth app credentials shared by every linked mailbox.
	GoogleClientID     string
	GoogleClientSecret string

	// PubSubTopic is the fully qualified topic Gmail watches publish to,
	// e.g. "projects/attentify/topics/gmail-events".
	PubSubTopic string

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL    string
	EventsQueue string

	// Servers
	Port        int // health check
	WebhookPort int // /ingest/notify

	// Ingestion behaviour
	SweepInterval      time.Duration
	WatchRenewalBuffer time.Duration
	FetchTimeout       time.Duration
	ResyncWindow       int64 // messages listed on full-resync fallback
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Google struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		PubSubTopic  string `yaml:"pubsub_topic"`
	} `yaml:"google"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. A local .env file is loaded
// first if present so development setups need no exported variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	if err == nil {
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		GoogleClientID:     firstNonEmpty(raw.Google.ClientID, os.Getenv("GOOGLE_CLIENT_ID")),
		GoogleClientSecret: firstNonEmpty(raw.Google.ClientSecret, os.Getenv("GOOGLE_CLIENT_SECRET")),
		PubSubTopic:        firstNonEmpty(raw.Google.PubSubTopic, os.Getenv("PUBSUB_TOPIC")),
		DatabaseURL:        firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/attentify")),
		RedisURL:           firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		EventsQueue:        firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "thread-events")),
		Port:               envOrDefaultInt("PORT", 8080),
		WebhookPort:        envOrDefaultInt("WEBHOOK_PORT", 8081),
		SweepInterval:      envOrDefaultDuration("SWEEP_INTERVAL", 5*time.Minute),
		WatchRenewalBuffer: envOrDefaultDuration("WATCH_RENEWAL_BUFFER", 24*time.Hour),
		FetchTimeout:       envOrDefaultDuration("FETCH_TIMEOUT", 30*time.Second),
		ResyncWindow:       int64(envOrDefaultInt("RESYNC_WINDOW", 100)),
	}

	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		return nil, fmt.Errorf("google client credentials are required — set google.client_id/client_secret or GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET")
	}
	if cfg.PubSubTopic == "" {
		return nil, fmt.Errorf("pubsub topic is required — Gmail watch needs a topic to publish notifications to")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
