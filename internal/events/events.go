// Package events publishes materialization outcomes to Kafka.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/mohammed-shakir/taz-flow-cache/internal/core/observability"
	"github.com/mohammed-shakir/taz-flow-cache/internal/flowcache"
)

const (
	StatusReady  = "ready"
	StatusFailed = "failed"
)

// Message is the JSON value written to the materializations topic.
type Message struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	ZoneName   string    `json:"zone_name"`
	Table      string    `json:"table"`
	Status     string    `json:"status"`
	Rows       int       `json:"rows"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	TS         time.Time `json:"ts"`
}

// FromEvent converts a finished computation into its wire form.
func FromEvent(ev flowcache.Event, now time.Time) Message {
	m := Message{
		ID:         uuid.NewString(),
		Key:        string(ev.Key),
		ZoneName:   ev.ZoneName,
		Table:      ev.Table,
		Status:     StatusReady,
		Rows:       ev.Rows,
		DurationMS: ev.Duration.Milliseconds(),
		TS:         now.UTC(),
	}
	if ev.Err != nil {
		m.Status = StatusFailed
		m.Error = ev.Err.Error()
		m.Rows = 0
	}
	return m
}

// Publisher queues messages for an async producer. A full queue drops the
// message instead of blocking the computation that produced it.
type Publisher struct {
	topic   string
	log     *slog.Logger
	prod    sarama.AsyncProducer
	events  chan Message
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer starts a Publisher on an existing producer.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		log:     log,
		prod:    prod,
		events:  make(chan Message, queueSize),
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for m := range p.events {
			b, err := json.Marshal(m)
			if err != nil {
				p.log.Error("events: marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(m.Key),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("events: producer error", "err", err)
			}
		}
	}()

	return p
}

// Notify implements flowcache.Notifier.
func (p *Publisher) Notify(ev flowcache.Event) {
	m := FromEvent(ev, time.Now())
	if p.enqueue(m) {
		observability.IncEvent(m.Status, "queued")
	} else {
		observability.IncEvent(m.Status, "dropped")
	}
}

func (p *Publisher) enqueue(m Message) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.events <- m:
		return true
	default:
		return false
	}
}

// Close flushes queued messages and closes the producer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.stopped
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("events: close producer: %w", err)
	}
	return nil
}
