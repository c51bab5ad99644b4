package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"

	"nexusServer/backend/internal/crdt"
)

// OpEvent is the fan-out record published to Kafka after an operation
// is durably appended, so peer edge nodes and downstream consumers see
// the same total order.
type OpEvent struct {
	EventType  string         `json:"eventType"` // always "OP_ACCEPTED"
	ProjectID  string         `json:"projectId"`
	Seq        uint64         `json:"seq"`
	From       string         `json:"from"` // submitting replica
	Op         crdt.Operation `json:"op"`
	AcceptedAt time.Time      `json:"acceptedAt"`
}

// Publisher decouples the actor from the Kafka plumbing; tests plug in
// a recorder.
type Publisher interface {
	Publish(evt OpEvent)
}

// KafkaDispatcher: bounded local queue + worker goroutines + capped
// retry. Submit never blocks on Kafka; a short broker stall is absorbed
// by the queue, and a full queue degrades by dropping (the log is the
// durable record, Kafka fan-out is best-effort).
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan OpEvent
	sem      *Semaphore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *Semaphore, opt KafkaDispatcherOptions) *KafkaDispatcher {
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan OpEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	for i := 0; i < d.workers; i++ {
		go d.worker()
	}
	return d
}

func (d *KafkaDispatcher) Publish(evt OpEvent) {
	select {
	case d.queue <- evt:
	default:
		log.Printf("kafka queue full, dropping fan-out (project=%s, seq=%d)", evt.ProjectID, evt.Seq)
	}
}

func (d *KafkaDispatcher) worker() {
	for evt := range d.queue {
		d.send(evt)
	}
}

func (d *KafkaDispatcher) send(evt OpEvent) {
	b, err := json.Marshal(evt)
	if err != nil {
		log.Printf("marshal op event failed (project=%s, seq=%d): %v", evt.ProjectID, evt.Seq, err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// keyed by project so one project stays in one partition,
		// preserving the total order downstream
		Key:   sarama.StringEncoder(evt.ProjectID),
		Value: sarama.ByteEncoder(b),
	}

	backoff := d.baseBackoff
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := d.sem.Acquire(ctx)
		cancel()
		if err == nil {
			_, _, err = d.producer.SendMessage(msg)
			_ = d.sem.Release()
		}
		if err == nil {
			return
		}
		if attempt >= d.maxRetry {
			log.Printf("kafka send gave up after %d retries (project=%s, seq=%d): %v", d.maxRetry, evt.ProjectID, evt.Seq, err)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
	}
}
