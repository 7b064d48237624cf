//go:build integration

package kafka_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"namereg/internal/events"
	"namereg/internal/events/kafka"
	"namereg/pkg/domain"
	"namereg/pkg/testutil/containers"
)

type KafkaSuite struct {
	suite.Suite
	redpanda *containers.RedpandaContainer
}

func TestKafkaSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaSuite))
}

func (s *KafkaSuite) SetupSuite() {
	s.redpanda = containers.GetManager().GetRedpanda(s.T())
}

func (s *KafkaSuite) TestRoundTripIntoIndexer() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	topic := "namereg-events-" + uuid.NewString()[:8]

	producer, err := kafka.NewProducerClient(s.redpanda.Brokers, topic)
	s.Require().NoError(err)
	defer producer.Close()
	s.Require().NoError(kafka.EnsureTopic(ctx, producer, topic, 3, 1))
	s.Require().NoError(kafka.EnsureTopic(ctx, producer, topic, 3, 1), "second call is a no-op")

	pub := kafka.NewPublisher(producer, topic)
	id := domain.DeriveIdentifier("alice")
	s.Require().NoError(pub.Publish(ctx, events.StakeDeposited(ctx, id, 10, "alice")))
	s.Require().NoError(pub.Publish(ctx, events.Registered(ctx, id, "alice", "alice", "")))
	s.Require().NoError(pub.Publish(ctx, events.CertificateTransferred(ctx, id, "alice", "bob")))
	s.True(pub.Healthy())

	consumerClient, err := kafka.NewConsumerClient(s.redpanda.Brokers, topic, "indexer-test")
	s.Require().NoError(err)
	defer consumerClient.Close()

	ix := events.NewIndexer()
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- kafka.NewConsumer(consumerClient, ix, nil).Run(runCtx) }()

	s.Eventually(func() bool {
		entry, ok := ix.Lookup("alice")
		return ok && entry.Owner == "bob" && entry.Stake == 10
	}, 30*time.Second, 100*time.Millisecond)

	stop()
	<-done
}
