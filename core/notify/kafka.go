// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package notify

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/architect/core/logger"
)

// DefaultTopic is the topic for change events if none is configured
const DefaultTopic = "architect_config_changes"

// LoggerHeader is the message header carrying the serialized logger context
const LoggerHeader = "logger"

// KafkaPublisher writes change events to a kafka topic, keyed by package id
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher returns a publisher writing to topic on brokers
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

// Notify writes the event
func (p *KafkaPublisher) Notify(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, message(ctx, event, value))
}

func message(ctx context.Context, event Event, value []byte) kafka.Message {
	key := event.PackageID
	if event.TenantID != "" {
		key += ":" + event.TenantID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: LoggerHeader, Value: logger.SerializeLoggerContext(ctx)},
		},
	}
}

// Close flushes pending messages and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
