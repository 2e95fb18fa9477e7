// Package hitevents publishes per-request tile outcomes to Kafka for
// downstream demand analysis. Publishing never blocks the request
// path; events are dropped when the queue is full.
package hitevents

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

type Event struct {
	Key        string    `json:"key"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	TS         time.Time `json:"ts"`
}

type Publisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
	dropped atomic.Uint64
	log     zerolog.Logger
}

func NewPublisher(brokers []string, topic string, queueSize int, log zerolog.Logger) (*Publisher, error) {
	if queueSize <= 0 {
		queueSize = 1024
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("hitevents: create async producer: %w", err)
	}

	p := &Publisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
		log:     log.With().Str("component", "hitevents").Logger(),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error().Err(err).Msg("marshal hit event")
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Key),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn().Err(err).Msg("hit event produce failed")
			}
		}
	}()

	return p, nil
}

// Publish enqueues ev. A full queue drops the event rather than
// blocking the request path.
func (p *Publisher) Publish(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded on a full queue.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	if n := p.dropped.Load(); n > 0 {
		p.log.Warn().Uint64("dropped", n).Msg("hit events dropped on full queue")
	}
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("hitevents: close producer: %w", err)
	}
	return nil
}
