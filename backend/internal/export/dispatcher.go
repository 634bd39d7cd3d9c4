// Package export publishes applied entity changes to Kafka for downstream
// analytics. Delivery is best effort and never slows the reconciler.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"syncClient/backend/internal/state"
)

var ErrDispatcherClosed = errors.New("DISPATCHER_CLOSED")

type EntityChangeEvent struct {
	EventType string         `json:"eventType"` // 固定 "ENTITY_APPLIED"
	EntityID  string         `json:"entityId"`
	Sequence  uint64         `json:"sequence"`
	Fields    map[string]any `json:"fields,omitempty"`
	Removed   bool           `json:"removed,omitempty"`
	IntentID  string         `json:"clientIntentId,omitempty"`
	AppliedAt time.Time      `json:"appliedAt"`
}

func NewEntityChangeEvent(s state.Snapshot) EntityChangeEvent {
	return EntityChangeEvent{
		EventType: "ENTITY_APPLIED",
		EntityID:  s.EntityID,
		Sequence:  s.LastAppliedSequence,
		Fields:    s.Fields,
		Removed:   s.Removed,
		IntentID:  s.LastIntentID,
		AppliedAt: s.UpdatedAt,
	}
}

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Enqueue 只负责入队，不阻塞调用方
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时丢弃，避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *log.Logger

	queue chan EntityChangeEvent
	sem   *Semaphore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu      sync.RWMutex
	closed  bool
	started sync.Once
	wg      sync.WaitGroup
	sent    atomic.Uint64
	dropped atomic.Uint64
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxInFlight int
	Logger      *log.Logger
}

func (o KafkaDispatcherOptions) withDefaults() KafkaDispatcherOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, opt KafkaDispatcherOptions) *KafkaDispatcher {
	opt = opt.withDefaults()
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		logger:      opt.Logger,
		queue:       make(chan EntityChangeEvent, opt.QueueSize),
		sem:         NewSemaphore(opt.MaxInFlight),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.Start()
	return d
}

// Enqueue 把事件放入本地队列；队列满时等到 ctx 结束，
// 导出不要求强一致，不是每个事件都必须送达
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt EntityChangeEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		d.dropped.Add(1)
		return ctx.Err()
	}
}

// Start launches the workers. NewKafkaDispatcher already calls it; later
// calls do nothing.
func (d *KafkaDispatcher) Start() {
	d.started.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.workerLoop(i)
		}
	})
}

// Close stops accepting events and waits for queued ones to be attempted.
func (d *KafkaDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// Stats returns delivered and dropped counts.
func (d *KafkaDispatcher) Stats() (sent, dropped uint64) {
	return d.sent.Load(), d.dropped.Load()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt EntityChangeEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		// worker 允许一直等待（不会影响主链路）
		_ = d.sem.Acquire(context.Background())
		err := d.sendOnce(evt)
		_ = d.sem.Release()

		if err == nil {
			d.sent.Add(1)
			return
		}

		if attempt == d.maxRetry {
			d.dropped.Add(1)
			d.logger.Printf("kafka send failed, drop event entity=%s seq=%d worker=%d err=%v",
				evt.EntityID, evt.Sequence, workerID, err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt EntityChangeEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// 同一实体落同一分区，保证下游按序
		Key:   sarama.StringEncoder(evt.EntityID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// Run forwards store changes to the dispatcher until ctx ends.
func Run(ctx context.Context, d *KafkaDispatcher, sub *state.Subscription) {
	defer sub.Close()
	for change := range sub.Changes(ctx) {
		enqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		if err := d.Enqueue(enqCtx, NewEntityChangeEvent(change.Snapshot)); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("export entity %s: %v", change.EntityID, err)
		}
		cancel()
	}
}

func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}
