package testutil

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/segmentio/kafka-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

// SetupKafka starts a single-node kafka broker and returns its bootstrap
// addresses.
func SetupKafka(t *testing.T) ([]string, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping kafka integration test in short mode")
	}

	ctx := context.Background()

	broker, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("storefront-test"))
	if err != nil {
		t.Fatalf("Failed to start kafka container: %v", err)
	}

	cleanup := func() {
		if err := broker.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	brokers, err := broker.Brokers(ctx)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to get kafka brokers: %v", err)
	}

	return brokers, cleanup
}

// CreateKafkaTopic creates a single-partition topic through the cluster
// controller.
func CreateKafkaTopic(t *testing.T, brokers []string, topic string) {
	t.Helper()
	ctx := context.Background()

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		t.Fatalf("Failed to dial kafka: %v", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		t.Fatalf("Failed to find kafka controller: %v", err)
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		t.Fatalf("Failed to dial kafka controller: %v", err)
	}
	defer ctrl.Close()

	if err := ctrl.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}); err != nil {
		t.Fatalf("Failed to create topic %s: %v", topic, err)
	}
}
