// Package events publishes committed page versions to Kafka. Publishing
// never blocks a commit: events wait in a bounded queue drained by worker
// goroutines, and are dropped when the queue is full or retries run out.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"pagecollab/internal/doc"
	"pagecollab/internal/logging"
	"pagecollab/internal/metrics"
)

type PageCommitted struct {
	PageEntityID  string    `json:"pageEntityId"`
	AccountID     string    `json:"accountId"`
	VersionID     string    `json:"versionId"`
	PrevVersionID string    `json:"prevVersionId"`
	Seq           int64     `json:"seq"`
	AuthorID      string    `json:"authorId"`
	Title         string    `json:"title"`
	Steps         doc.Steps `json:"steps"`
	CommittedAt   time.Time `json:"committedAt"`
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      zerolog.Logger
}

type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan PageCommitted

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      zerolog.Logger
}

// NewProducer connects a synchronous producer that waits for the leader's ack.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	return producer, nil
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	return &Dispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan PageCommitted, opts.QueueSize),
		workers:     opts.Workers,
		maxRetry:    opts.MaxRetry,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		logger:      logging.Component(opts.Logger, "events"),
	}
}

// Publish queues evt and reports whether it was accepted.
func (d *Dispatcher) Publish(evt PageCommitted) bool {
	select {
	case d.queue <- evt:
		return true
	default:
		metrics.EventsPublished.WithLabelValues("overflow").Inc()
		d.logger.Warn().Str("pageEntityId", evt.PageEntityID).Str("versionId", evt.VersionID).Msg("event queue full, dropping")
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-d.queue:
			d.sendWithRetry(ctx, worker, evt)
		}
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, worker int, evt PageCommitted) {
	for attempt := 0; ; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			metrics.EventsPublished.WithLabelValues("sent").Inc()
			return
		}
		if attempt >= d.maxRetry {
			metrics.EventsPublished.WithLabelValues("failed").Inc()
			d.logger.Error().Err(err).
				Str("pageEntityId", evt.PageEntityID).
				Str("versionId", evt.VersionID).
				Int("worker", worker).
				Msg("kafka send failed, dropping event")
			return
		}

		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (d *Dispatcher) sendOnce(evt PageCommitted) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.PageEntityID),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}
