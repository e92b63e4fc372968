package commandlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"identity-session-core/internal/command"
)

const journalWriteTimeout = 5 * time.Second

// KafkaJournal records accepted commands to a Kafka topic. Messages are keyed by routing key and
// hash-balanced, so every command of one key lands on one Kafka partition in append order.
type KafkaJournal struct {
	writer *kafka.Writer
}

// NewKafkaJournal creates a journal writing to topic. Returns nil when brokers or topic is empty,
// meaning journaling is disabled. Call Close when shutting down.
func NewKafkaJournal(brokers []string, topic string) *KafkaJournal {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaJournal{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}}
}

// Record writes env synchronously, bounded by a short timeout so a slow broker does not stall a partition.
func (j *KafkaJournal) Record(ctx context.Context, env command.Envelope) error {
	if j == nil || j.writer == nil {
		return nil
	}
	msg, err := toMessage(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, journalWriteTimeout)
	defer cancel()
	return j.writer.WriteMessages(writeCtx, msg)
}

// Close flushes and closes the writer. Safe on a nil journal.
func (j *KafkaJournal) Close() error {
	if j == nil || j.writer == nil {
		return nil
	}
	return j.writer.Close()
}

func toMessage(env command.Envelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope: %w", err)
	}
	return kafka.Message{
		Key:   []byte(env.Key),
		Value: value,
		Time:  env.At,
		Headers: []kafka.Header{
			{Key: "stream", Value: []byte(env.Stream)},
			{Key: "type", Value: []byte(env.Type)},
		},
	}, nil
}

// FromMessage decodes a journal message back into its envelope and typed command.
func FromMessage(msg kafka.Message) (command.Envelope, command.Command, error) {
	var env command.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return command.Envelope{}, nil, fmt.Errorf("decode envelope: %w", err)
	}
	cmd, err := command.Unwrap(env)
	if err != nil {
		return env, nil, err
	}
	return env, cmd, nil
}

// JournalReader consumes the command journal, e.g. to audit or mirror accepted commands.
type JournalReader struct {
	reader *kafka.Reader
}

// NewJournalReader creates a consumer-group reader over topic.
func NewJournalReader(brokers []string, topic, groupID string) *JournalReader {
	return &JournalReader{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})}
}

// Next blocks for the next journal message. A message that fails to decode is returned with its error
// and the envelope decoded so far, so callers can log and continue.
func (r *JournalReader) Next(ctx context.Context) (command.Envelope, command.Command, error) {
	msg, err := r.reader.ReadMessage(ctx)
	if err != nil {
		return command.Envelope{}, nil, err
	}
	return FromMessage(msg)
}

// Close closes the underlying reader.
func (r *JournalReader) Close() error {
	return r.reader.Close()
}
