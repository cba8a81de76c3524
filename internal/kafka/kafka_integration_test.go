//go:build integration

package kafka_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/kafka"
	"github.com/ramiqadoumi/go-block-flow/internal/memstore"
)

var testKafkaBrokers []string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	brokers, err := ctr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	testKafkaBrokers = brokers
	return m.Run()
}

// createTopic creates the topic up front; the first auto-created publish can
// race topic creation and fail with UNKNOWN_TOPIC_OR_PARTITION.
func createTopic(t *testing.T, topic string) {
	t.Helper()
	conn, err := segkafka.DialContext(context.Background(), "tcp", testKafkaBrokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(segkafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func TestKafka_EventPublisherRoundTrip(t *testing.T) {
	topic := fmt.Sprintf("events-%d", time.Now().UnixNano())
	createTopic(t, topic)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	pub := kafka.NewEventPublisher(memstore.New(), producer, topic, "node-1", discard())
	require.NoError(t, pub.RecordEvent(ctx, domain.Event{
		TaskExecutionID: 9, Type: domain.EventBlocked, Message: "no execution token available", At: time.Now(),
	}))

	consumer := kafka.NewConsumer(testKafkaBrokers, topic, "group-"+topic, discard())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	received := make(chan kafka.EventMessage, 1)
	consumerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	go func() {
		consumer.Subscribe(consumerCtx, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			ev, err := kafka.DecodeEvent(m.Value)
			if err != nil {
				return err
			}
			received <- ev
			cancel()
			return nil
		})
	}()

	select {
	case ev := <-received:
		assert.Equal(t, int64(9), ev.TaskExecutionID)
		assert.Equal(t, domain.EventBlocked, ev.Type)
	case <-consumerCtx.Done():
		t.Fatal("timed out waiting for the event")
	}
}
