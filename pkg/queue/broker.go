package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/types"
)

var bucketMessages = []byte("messages")

// message lifecycle states inside the broker
const (
	stateReady    = "ready"
	stateInflight = "inflight"
	stateDead     = "dead"
)

// record is the persisted broker envelope around a queue message.
type record struct {
	Message types.Message `json:"message"`
	State   string        `json:"state"`
	ReadyAt time.Time     `json:"ready_at"`

	// deadline is in-memory only; a restart treats every non-dead record
	// as ready, which is exactly the redelivery the contract requires.
	deadline time.Time
}

// Config holds broker tuning knobs.
type Config struct {
	SoftLimit         int
	HardLimit         int
	VisibilityTimeout time.Duration
	SweepInterval     time.Duration
}

// BoltBroker implements Broker with BoltDB persistence so unacked messages
// survive a process restart.
type BoltBroker struct {
	db  *bolt.DB
	cfg Config

	mu      sync.Mutex
	records map[string]*record
	signals map[types.QueueName]chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBoltBroker opens (or creates) the broker database and loads pending
// messages. Messages that were in-flight when the previous process died
// come back as ready.
func NewBoltBroker(dataDir string, cfg Config) (*BoltBroker, error) {
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = 1000
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = 10000
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}

	dbPath := filepath.Join(dataDir, "queue.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	b := &BoltBroker{
		db:      db,
		cfg:     cfg,
		records: make(map[string]*record),
		signals: make(map[types.QueueName]chan struct{}),
		stopCh:  make(chan struct{}),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMessages)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := b.load(); err != nil {
		db.Close()
		return nil, err
	}

	b.wg.Add(1)
	go b.sweepLoop()

	return b, nil
}

func (b *BoltBroker) load() error {
	return b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMessages)
		return bkt.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				logger := log.WithComponent("queue")
				logger.Warn().Str("msg_id", string(k)).Msg("dropping undecodable queue record")
				return nil
			}
			if rec.State == stateInflight {
				rec.State = stateReady
			}
			b.records[rec.Message.ID] = &rec
			return nil
		})
	})
}

// Close stops the sweep loop and closes the database.
func (b *BoltBroker) Close() error {
	close(b.stopCh)
	b.wg.Wait()
	return b.db.Close()
}

// Enqueue places a message on a queue for immediate delivery.
func (b *BoltBroker) Enqueue(queue types.QueueName, msg types.Message) error {
	return b.EnqueueAfter(queue, msg, 0)
}

// EnqueueAfter places a message on a queue, visible after the given delay.
func (b *BoltBroker) EnqueueAfter(queue types.QueueName, msg types.Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.depthLocked(queue) >= b.cfg.HardLimit {
		return fmt.Errorf("queue %s: %w", queue, ErrSaturated)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SubmittedAt.IsZero() {
		msg.SubmittedAt = time.Now().UTC()
	}
	msg.Queue = queue

	rec := &record{
		Message: msg,
		State:   stateReady,
		ReadyAt: time.Now().UTC().Add(delay),
	}
	if err := b.persist(rec); err != nil {
		return err
	}
	b.records[msg.ID] = rec
	if delay <= 0 {
		b.signalLocked(queue)
	}
	return nil
}

// Dequeue blocks until a message on the queue is ready or ctx is done.
func (b *BoltBroker) Dequeue(ctx context.Context, queue types.QueueName) (*Delivery, error) {
	for {
		b.mu.Lock()
		rec := b.nextReadyLocked(queue)
		if rec != nil {
			rec.State = stateInflight
			rec.deadline = time.Now().Add(b.cfg.VisibilityTimeout)
			rec.Message.Attempts++
			if err := b.persist(rec); err != nil {
				b.mu.Unlock()
				return nil, err
			}
			msg := rec.Message
			b.mu.Unlock()
			return &Delivery{Message: msg}, nil
		}
		signal := b.signalChanLocked(queue)
		b.mu.Unlock()

		select {
		case <-signal:
		case <-time.After(b.cfg.SweepInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.stopCh:
			return nil, context.Canceled
		}
	}
}

// Ack removes a delivered message for good.
func (b *BoltBroker) Ack(msgID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[msgID]
	if !ok {
		return fmt.Errorf("message %s: %w", msgID, ErrUnknownMessage)
	}
	delete(b.records, msgID)
	queue := rec.Message.Queue
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).Delete([]byte(msgID))
	})
	if err != nil {
		return err
	}
	b.signalLocked(queue)
	return nil
}

// Nack returns an in-flight message to its queue for redelivery.
func (b *BoltBroker) Nack(msgID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[msgID]
	if !ok {
		return fmt.Errorf("message %s: %w", msgID, ErrUnknownMessage)
	}
	rec.State = stateReady
	rec.ReadyAt = time.Now().UTC()
	if err := b.persist(rec); err != nil {
		return err
	}
	b.signalLocked(rec.Message.Queue)
	return nil
}

// MoveToDeadLetter parks a message on the queue's dead-letter side.
func (b *BoltBroker) MoveToDeadLetter(msgID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[msgID]
	if !ok {
		return fmt.Errorf("message %s: %w", msgID, ErrUnknownMessage)
	}
	rec.State = stateDead
	return b.persist(rec)
}

// Depth returns the number of pending (ready or in-flight) messages.
func (b *BoltBroker) Depth(queue types.QueueName) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depthLocked(queue)
}

// Saturated reports whether a queue is past its soft threshold. Surfaced
// through health checks; enqueues keep working until the hard limit.
func (b *BoltBroker) Saturated(queue types.QueueName) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depthLocked(queue) >= b.cfg.SoftLimit
}

// DeadLetters returns the dead-lettered messages for a queue.
func (b *BoltBroker) DeadLetters(queue types.QueueName) []types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dead []types.Message
	for _, rec := range b.records {
		if rec.Message.Queue == queue && rec.State == stateDead {
			dead = append(dead, rec.Message)
		}
	}
	sort.Slice(dead, func(i, j int) bool {
		return dead[i].SubmittedAt.Before(dead[j].SubmittedAt)
	})
	return dead
}

// sweepLoop requeues in-flight messages whose visibility window lapsed and
// wakes consumers when delayed messages become ready.
func (b *BoltBroker) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.stopCh:
			return
		}
	}
}

func (b *BoltBroker) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for _, rec := range b.records {
		switch rec.State {
		case stateInflight:
			if now.After(rec.deadline) {
				rec.State = stateReady
				rec.ReadyAt = now.UTC()
				if err := b.persist(rec); err != nil {
					logger := log.WithComponent("queue")
					logger.Error().Err(err).Str("msg_id", rec.Message.ID).Msg("failed to requeue expired message")
					continue
				}
				b.signalLocked(rec.Message.Queue)
			}
		case stateReady:
			if !rec.ReadyAt.After(now) {
				b.signalLocked(rec.Message.Queue)
			}
		}
	}
}

// locked helpers

func (b *BoltBroker) depthLocked(queue types.QueueName) int {
	n := 0
	for _, rec := range b.records {
		if rec.Message.Queue == queue && rec.State != stateDead {
			n++
		}
	}
	return n
}

func (b *BoltBroker) nextReadyLocked(queue types.QueueName) *record {
	now := time.Now()
	var oldest *record
	for _, rec := range b.records {
		if rec.Message.Queue != queue || rec.State != stateReady || rec.ReadyAt.After(now) {
			continue
		}
		if oldest == nil || rec.Message.SubmittedAt.Before(oldest.Message.SubmittedAt) {
			oldest = rec
		}
	}
	return oldest
}

func (b *BoltBroker) signalChanLocked(queue types.QueueName) chan struct{} {
	ch, ok := b.signals[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.signals[queue] = ch
	}
	return ch
}

func (b *BoltBroker) signalLocked(queue types.QueueName) {
	select {
	case b.signalChanLocked(queue) <- struct{}{}:
	default:
	}
}

func (b *BoltBroker) persist(rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).Put([]byte(rec.Message.ID), data)
	})
}
