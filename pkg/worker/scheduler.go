package worker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/metrics"
	"github.com/docflowhq/docflow/pkg/queue"
	"github.com/docflowhq/docflow/pkg/store"
	"github.com/docflowhq/docflow/pkg/types"
)

// defaultSweepInterval is how often the expired-file sweep is scheduled.
const defaultSweepInterval = time.Hour

// Scheduler periodically submits an expired-file cleanup task so stale
// temporary files are removed without operator action.
type Scheduler struct {
	store    store.Store
	broker   queue.Broker
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates the cleanup scheduler.
func NewScheduler(st store.Store, broker queue.Broker, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Scheduler{
		store:    st,
		broker:   broker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop stops the scheduling loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	logger := log.WithComponent("scheduler")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.scheduleSweep(); err != nil {
				logger.Error().Err(err).Msg("failed to schedule cleanup sweep")
			}
		case <-s.stopCh:
			return
		}
	}
}

// scheduleSweep creates one expired-mode cleanup task and enqueues it.
func (s *Scheduler) scheduleSweep() error {
	task := &types.Task{
		ID:     uuid.New().String(),
		UserID: "system",
		Type:   types.TaskTypeCleanup,
		Status: types.TaskStatusPending,
	}
	if err := s.store.CreateTask(task); err != nil {
		return err
	}
	metrics.TasksCreated.WithLabelValues(string(types.TaskTypeCleanup)).Inc()

	args, err := json.Marshal(types.CleanupArgs{Mode: types.CleanupModeExpired})
	if err != nil {
		return err
	}
	if err := s.broker.Enqueue(types.QueueCleanup, types.Message{
		TaskID:        task.ID,
		CorrelationID: uuid.New().String(),
		Args:          args,
	}); err != nil {
		return err
	}
	metrics.MessagesEnqueued.WithLabelValues(string(types.QueueCleanup)).Inc()
	return nil
}
