package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Client publishes slot status transitions to a kafka topic. Records are
// keyed by slot number so all transitions of one slot land in the same
// partition, in order.
type Client struct {
	kcl KafkaClient
}

func NewClient(kafkaClient KafkaClient) *Client {
	return &Client{
		kcl: kafkaClient,
	}
}

func (kc *Client) PublishStatusChange(ctx context.Context, record entities.BlockRecord) error {
	kafkaRecord, err := createStatusRecord(record)
	if err != nil {
		return fmt.Errorf("creating kafka record for slot [%d]: %w", record.Slot, err)
	}

	results := kc.kcl.ProduceSync(ctx, kafkaRecord)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka error: %w", err)
	}

	return nil
}

func createStatusRecord(record entities.BlockRecord) (*kgo.Record, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshalling block record to json: %w", err)
	}
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, record.Slot)

	return &kgo.Record{
		Key:   key,
		Value: payload,
	}, nil
}
