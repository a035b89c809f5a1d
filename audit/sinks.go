package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ncobase/guardrail/logging/logger"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// LogSink writes records to the structured logger
type LogSink struct{}

// NewLogSink creates a LogSink
func NewLogSink() *LogSink { return &LogSink{} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	logger.WithFields(ctx, logrus.Fields(rec.Fields())).Info("audit")
	return nil
}

func (s *LogSink) Close() error { return nil }

var bucketName = []byte("audit")

// BoltSink appends records to a local bbolt database
type BoltSink struct {
	db *bbolt.DB
}

// NewBoltSink opens or creates the database at path
func NewBoltSink(path string) (*BoltSink, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}
	return &BoltSink{db: db}, nil
}

func (s *BoltSink) Name() string { return "bolt" }

func (s *BoltSink) Write(_ context.Context, rec Record) error {
	data, err := rec.marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// Records returns up to limit records in insertion order; limit <= 0 returns all
func (s *BoltSink) Records(limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltSink) Close() error { return s.db.Close() }

// RedisSink appends records to a Redis stream
type RedisSink struct {
	client *redis.Client
	stream string
}

// NewRedisSink creates a RedisSink writing to stream
func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, rec Record) error {
	data, err := rec.marshal()
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":     rec.ID,
			"module": rec.ModuleID,
			"record": string(data),
		},
	}).Err()
}

func (s *RedisSink) Close() error { return s.client.Close() }

// MessageWriter is the part of *kafka.Writer the Kafka sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records to a Kafka topic keyed by module id
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a KafkaSink for brokers and topic
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}), nil
}

// NewKafkaSinkWithWriter wraps an existing writer
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, rec Record) error {
	data, err := rec.marshal()
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.ModuleID),
		Value: data,
		Time:  rec.Time,
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
