package notify

import (
	"github.com/Shopify/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// NewChannelPublisher returns an in-process publisher. Subscribers attach
// through the returned GoChannel; messages nobody is subscribed to are
// dropped.
func NewChannelPublisher(buffer int64, logger *zap.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, NewLoggerAdapter(logger))
}

// KafkaConfig configures NewKafkaPublisher.
type KafkaConfig struct {
	Brokers  []string
	ClientID string
}

// NewKafkaPublisher returns a synchronous Kafka publisher. Messages are
// keyed by their partition_key metadata so every event of one invoice
// lands on the same partition in order.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (message.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("notify: kafka brokers are required")
	}

	saramaCfg := kafka.DefaultSaramaSyncPublisherConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	if cfg.ClientID != "" {
		saramaCfg.ClientID = cfg.ClientID
	}

	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers: cfg.Brokers,
		Marshaler: kafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
			return msg.Metadata.Get(MetadataPartitionKey), nil
		}),
		OverwriteSaramaConfig: saramaCfg,
	}, NewLoggerAdapter(logger))
	if err != nil {
		return nil, errors.Wrap(err, "notify: create kafka publisher")
	}
	return pub, nil
}
