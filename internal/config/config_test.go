package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BROKER_KIND", "")
	t.Setenv("LOW_STOCK_THRESHOLD", "")

	cfg, err := Load("order-service")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Service.Name != "order-service" {
		t.Errorf("Expected service name order-service, got %s", cfg.Service.Name)
	}
	if cfg.Broker.Exchange != "ecommerce.events" {
		t.Errorf("Expected exchange ecommerce.events, got %s", cfg.Broker.Exchange)
	}
	if cfg.Inventory.LowStockThreshold != 10 {
		t.Errorf("Expected low stock threshold 10, got %d", cfg.Inventory.LowStockThreshold)
	}
	if cfg.Inventory.ReconcileOnDecrement {
		t.Error("Reconcile on decrement should be off by default")
	}
	if cfg.Inventory.LockTimeout != 5*time.Second {
		t.Errorf("Expected lock timeout 5s, got %s", cfg.Inventory.LockTimeout)
	}
	if cfg.Redis.CartTTL != 30*24*time.Hour {
		t.Errorf("Expected cart TTL of 30 days, got %s", cfg.Redis.CartTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BROKER_KIND", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("LOW_STOCK_THRESHOLD", "3")
	t.Setenv("INVENTORY_RECONCILE_ON_DECREMENT", "true")
	t.Setenv("BROKER_RECONNECT_MAX", "1m")

	cfg, err := Load("inventory-service")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Broker.Kind != BrokerKafka {
		t.Errorf("Expected broker kind kafka, got %s", cfg.Broker.Kind)
	}
	if len(cfg.Broker.KafkaBrokers) != 2 || cfg.Broker.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("Unexpected kafka brokers %v", cfg.Broker.KafkaBrokers)
	}
	if cfg.Inventory.LowStockThreshold != 3 {
		t.Errorf("Expected threshold 3, got %d", cfg.Inventory.LowStockThreshold)
	}
	if !cfg.Inventory.ReconcileOnDecrement {
		t.Error("Expected reconcile on decrement to be enabled")
	}
	if cfg.Broker.ReconnectMax != time.Minute {
		t.Errorf("Expected reconnect max 1m, got %s", cfg.Broker.ReconnectMax)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database url", func(c *Config) { c.Database.URL = "" }},
		{"unknown broker", func(c *Config) { c.Broker.Kind = "sqs" }},
		{"negative threshold", func(c *Config) { c.Inventory.LowStockThreshold = -1 }},
		{"negative lock timeout", func(c *Config) { c.Inventory.LockTimeout = -time.Second }},
		{"inverted backoff", func(c *Config) { c.Broker.ReconnectMax = c.Broker.ReconnectMin / 2 }},
		{"no workers", func(c *Config) { c.Broker.ConsumerWorkers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BROKER_KIND", "")
			cfg, err := Load("test")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
