package collab

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

type KafkaFeedOptions struct {
	Topic     string
	QueueSize int
	// Workers above one give up per-entity ordering on the topic.
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      Logger
}

// KafkaFeed publishes committed changes to a topic keyed by entity id for
// consumers outside the collaboration path. Enqueue never blocks the commit
// path: when the queue is full the change is dropped and counted.
type KafkaFeed struct {
	producer    sarama.SyncProducer
	topic       string
	queue       chan Change
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
	mu        sync.RWMutex
	dropped   atomic.Uint64
	published atomic.Uint64
}

func NewKafkaFeed(producer sarama.SyncProducer, opts KafkaFeedOptions) *KafkaFeed {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
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
	f := &KafkaFeed{
		producer:    producer,
		topic:       opts.Topic,
		queue:       make(chan Change, opts.QueueSize),
		maxRetry:    opts.MaxRetry,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		logger:      opts.Logger,
	}
	for i := 0; i < opts.Workers; i++ {
		f.wg.Add(1)
		go f.workerLoop(i)
	}
	return f
}

// NewSaramaProducer builds the synchronous producer the feed expects.
func NewSaramaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}

func (f *KafkaFeed) Enqueue(change Change) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed.Load() {
		f.dropped.Add(1)
		return false
	}
	select {
	case f.queue <- change:
		return true
	default:
		f.dropped.Add(1)
		f.logf("kafka feed queue full, drop change entity=%s rev=%d", change.EntityID, change.Revision)
		return false
	}
}

func (f *KafkaFeed) Dropped() uint64   { return f.dropped.Load() }
func (f *KafkaFeed) Published() uint64 { return f.published.Load() }

// Close drains queued changes and closes the producer.
func (f *KafkaFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed.Store(true)
		close(f.queue)
		f.mu.Unlock()
		f.wg.Wait()
		if f.producer != nil {
			err = f.producer.Close()
		}
	})
	return err
}

func (f *KafkaFeed) workerLoop(worker int) {
	defer f.wg.Done()
	for change := range f.queue {
		f.sendWithRetry(worker, change)
	}
}

func (f *KafkaFeed) sendWithRetry(worker int, change Change) {
	for attempt := 0; attempt <= f.maxRetry; attempt++ {
		err := f.sendOnce(change)
		if err == nil {
			f.published.Add(1)
			return
		}
		if attempt == f.maxRetry {
			f.dropped.Add(1)
			f.logf("kafka send failed, drop change entity=%s rev=%d worker=%d: %v", change.EntityID, change.Revision, worker, err)
			return
		}
		backoff := f.baseBackoff * time.Duration(1<<attempt)
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (f *KafkaFeed) sendOnce(change Change) error {
	if f.producer == nil || f.topic == "" {
		return nil
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	_, _, err = f.producer.SendMessage(&sarama.ProducerMessage{
		Topic: f.topic,
		Key:   sarama.StringEncoder(change.EntityID),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

func (f *KafkaFeed) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}
