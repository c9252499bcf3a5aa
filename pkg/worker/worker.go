package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docflowhq/docflow/pkg/events"
	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/metrics"
	"github.com/docflowhq/docflow/pkg/queue"
	"github.com/docflowhq/docflow/pkg/store"
	"github.com/docflowhq/docflow/pkg/types"
)

// Outcome is what a handler returns on success.
type Outcome struct {
	Results       []byte
	ActualCostUSD *float64
	TokenUsage    *types.TokenUsage

	// FollowUps are enqueued only after the task is durably completed,
	// so a redelivered message cannot duplicate them.
	FollowUps []FollowUp
}

// FollowUp is deferred work scheduled after successful finalization.
type FollowUp struct {
	Task  *types.Task
	Queue types.QueueName
	Args  interface{}
	Delay time.Duration
}

// Handler executes one stage for one task.
type Handler interface {
	Handle(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error)
}

// Config holds worker configuration
type Config struct {
	Queues          []types.QueueName
	Concurrency     int
	PerStageTimeout time.Duration
	CleanupTimeout  time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	DequeueTimeout  time.Duration
}

// Worker binds logical task slots to one or more queues: each slot
// dequeues, claims the task through the store's conditional update,
// runs the stage handler, and maps the result to a status transition.
type Worker struct {
	cfg      Config
	store    store.Store
	broker   queue.Broker
	events   *events.Broker
	handlers map[types.QueueName]Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a worker over the given store and broker.
func NewWorker(cfg Config, st store.Store, broker queue.Broker, eventBroker *events.Broker) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PerStageTimeout <= 0 {
		cfg.PerStageTimeout = 300 * time.Second
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 30 * time.Second
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []types.QueueName{
			types.QueueArchive,
			types.QueueParse,
			types.QueueVectorize,
			types.QueueCleanup,
		}
	}
	return &Worker{
		cfg:      cfg,
		store:    st,
		broker:   broker,
		events:   eventBroker,
		handlers: make(map[types.QueueName]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a queue.
func (w *Worker) Register(q types.QueueName, h Handler) {
	w.handlers[q] = h
}

// Start launches the worker slots.
func (w *Worker) Start() {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.slotLoop(i)
	}
}

// Stop stops all slots and waits for in-flight handlers to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// slotLoop is one logical task slot: it polls the bound queues in order
// and processes one message at a time to completion.
func (w *Worker) slotLoop(slot int) {
	defer w.wg.Done()

	logger := log.WithComponent("worker").With().Int("slot", slot).Logger()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		processed := false
		for _, q := range w.cfg.Queues {
			if _, ok := w.handlers[q]; !ok {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DequeueTimeout/time.Duration(len(w.cfg.Queues)))
			delivery, err := w.broker.Dequeue(ctx, q)
			cancel()
			if err != nil {
				continue
			}
			w.process(q, delivery)
			processed = true
		}
		if !processed {
			select {
			case <-time.After(time.Second):
			case <-w.stopCh:
				logger.Debug().Msg("slot stopping")
				return
			}
		}
	}
}

// process runs one delivered message through claim, handler, finalize.
func (w *Worker) process(q types.QueueName, delivery *queue.Delivery) {
	msg := delivery.Message
	logger := log.WithQueue(string(q)).With().
		Str("task_id", msg.TaskID).
		Str("correlation_id", msg.CorrelationID).
		Logger()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.StageDuration.WithLabelValues(string(q)))
	}()

	// Claim the task. The conditional update is the idempotency guard:
	// redelivered messages for tasks that are already terminal or owned
	// by a live worker fall through here and are acked without effect.
	task, err := w.store.UpdateStatus(msg.TaskID, types.TaskStatusProcessing, store.StatusUpdate{
		ExpectedFrom: []types.TaskStatus{types.TaskStatusPending, types.TaskStatusRetrying},
		ReclaimAfter: w.cfg.PerStageTimeout * 2,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPreconditionFailed):
			logger.Debug().Msg("task not claimable, skipping redelivery")
		case errors.Is(err, store.ErrNotFound):
			logger.Warn().Msg("message references missing task")
		default:
			logger.Error().Err(err).Msg("failed to claim task")
			if nerr := w.broker.Nack(msg.ID); nerr != nil {
				logger.Error().Err(nerr).Msg("failed to nack message")
			}
			return
		}
		w.ack(msg.ID, logger)
		return
	}
	w.publish(events.EventTaskClaimed, task, "")

	stageTimeout := w.cfg.PerStageTimeout
	if q == types.QueueCleanup {
		stageTimeout = w.cfg.CleanupTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
	defer cancel()

	// Entry cancellation checkpoint.
	if w.cancelled(task.ID) {
		logger.Info().Msg("task cancelled before handler ran")
		w.ack(msg.ID, logger)
		return
	}

	outcome, herr := w.runHandler(ctx, q, task, msg)
	if herr == nil {
		w.finalizeSuccess(q, task, msg, outcome, logger)
		return
	}
	w.finalizeFailure(q, task, msg, herr, logger)
}

func (w *Worker) runHandler(ctx context.Context, q types.QueueName, task *types.Task, msg types.Message) (outcome *Outcome, herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			herr = Fail(KindValidation, fmt.Errorf("handler panic: %v", r))
		}
	}()

	out, err := w.handlers[q].Handle(ctx, task, msg)
	if err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

func (w *Worker) finalizeSuccess(q types.QueueName, task *types.Task, msg types.Message, outcome *Outcome, logger zerolog.Logger) {
	update := store.StatusUpdate{
		ExpectedFrom: []types.TaskStatus{types.TaskStatusProcessing},
	}
	if outcome != nil {
		update.Results = outcome.Results
		update.ActualCostUSD = outcome.ActualCostUSD
		update.TokenUsage = outcome.TokenUsage
	}

	finished, err := w.store.UpdateStatus(task.ID, types.TaskStatusCompleted, update)
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			// Cancelled (or reclaimed) while the handler ran; the other
			// owner's outcome stands.
			logger.Info().Msg("task no longer owned at finalize, dropping outcome")
			w.ack(msg.ID, logger)
			return
		}
		logger.Error().Err(err).Msg("failed to finalize task")
		if nerr := w.broker.Nack(msg.ID); nerr != nil {
			logger.Error().Err(nerr).Msg("failed to nack message")
		}
		return
	}

	metrics.TasksCompleted.WithLabelValues(string(finished.Type), string(types.TaskStatusCompleted)).Inc()
	if outcome != nil && outcome.ActualCostUSD != nil {
		metrics.ActualCostUSD.Add(*outcome.ActualCostUSD)
	}
	w.publish(events.EventTaskCompleted, finished, "")

	// Stage milestones for subscribers that track fan-out and reclamation
	// rather than individual tasks.
	switch finished.Type {
	case types.TaskTypeArchive:
		w.publish(events.EventArchiveExtracted, finished, "")
	case types.TaskTypeCleanup:
		w.publish(events.EventCleanupCompleted, finished, "")
	}
	w.ack(msg.ID, logger)

	// Follow-up work is only scheduled after the task is durably
	// completed: a redelivery of the original message now fails the
	// claim predicate, so follow-ups cannot be duplicated.
	if outcome != nil {
		for _, fu := range outcome.FollowUps {
			if err := w.scheduleFollowUp(task, fu); err != nil {
				logger.Warn().Err(err).Str("follow_up_queue", string(fu.Queue)).Msg("failed to schedule follow-up")
			}
		}
	}
}

func (w *Worker) finalizeFailure(q types.QueueName, task *types.Task, msg types.Message, herr *HandlerError, logger zerolog.Logger) {
	if herr.Kind == KindCancelled {
		logger.Info().Msg("task cancelled during handler")
		w.ack(msg.ID, logger)
		return
	}

	if herr.Retryable && task.RetryCount < w.cfg.MaxRetries {
		_, err := w.store.UpdateStatus(task.ID, types.TaskStatusRetrying, store.StatusUpdate{
			ExpectedFrom:   []types.TaskStatus{types.TaskStatusProcessing},
			ErrorMessage:   herr.Err.Error(),
			IncrementRetry: true,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to mark task retrying")
			w.ack(msg.ID, logger)
			return
		}

		delay := backoffDelay(w.cfg.BackoffBase, w.cfg.BackoffCap, task.RetryCount)
		retryMsg := types.Message{
			TaskID:        msg.TaskID,
			CorrelationID: msg.CorrelationID,
			Args:          msg.Args,
		}
		if err := w.broker.EnqueueAfter(q, retryMsg, delay); err != nil {
			logger.Error().Err(err).Msg("failed to enqueue retry")
		}
		metrics.TaskRetries.WithLabelValues(string(q)).Inc()
		w.publish(events.EventTaskRetrying, task, herr.Err.Error())
		logger.Warn().Err(herr.Err).Dur("delay", delay).Int("retry", task.RetryCount+1).Msg("task retrying")
		w.ack(msg.ID, logger)
		return
	}

	failed, err := w.store.UpdateStatus(task.ID, types.TaskStatusFailed, store.StatusUpdate{
		ExpectedFrom: []types.TaskStatus{types.TaskStatusProcessing},
		ErrorMessage: herr.Err.Error(),
		Results:      failureResults(herr),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark task failed")
		w.ack(msg.ID, logger)
		return
	}

	metrics.TasksCompleted.WithLabelValues(string(failed.Type), string(types.TaskStatusFailed)).Inc()
	metrics.MessagesDeadLettered.WithLabelValues(string(q)).Inc()
	w.publish(events.EventTaskFailed, failed, herr.Err.Error())
	logger.Error().Err(herr.Err).Str("kind", string(herr.Kind)).Msg("task failed")

	if err := w.broker.MoveToDeadLetter(msg.ID); err != nil {
		logger.Error().Err(err).Msg("failed to dead-letter message")
	}
}

// scheduleFollowUp persists the follow-up task (if any) and enqueues its
// message.
func (w *Worker) scheduleFollowUp(parent *types.Task, fu FollowUp) error {
	taskID := parent.ID
	if fu.Task != nil {
		if err := w.store.CreateTask(fu.Task); err != nil {
			return fmt.Errorf("failed to create follow-up task: %w", err)
		}
		taskID = fu.Task.ID
		metrics.TasksCreated.WithLabelValues(string(fu.Task.Type)).Inc()
	}

	args, err := json.Marshal(fu.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal follow-up args: %w", err)
	}
	msg := types.Message{
		TaskID:        taskID,
		CorrelationID: uuid.New().String(),
		Args:          args,
	}
	if err := w.broker.EnqueueAfter(fu.Queue, msg, fu.Delay); err != nil {
		return err
	}
	metrics.MessagesEnqueued.WithLabelValues(string(fu.Queue)).Inc()
	return nil
}

// cancelled re-reads the task status; handlers call this at coarse
// checkpoints so user cancellation is observed without forcible
// interruption.
func (w *Worker) cancelled(taskID string) bool {
	task, err := w.store.GetTask(taskID)
	if err != nil {
		return false
	}
	return task.Status == types.TaskStatusCancelled
}

func (w *Worker) ack(msgID string, logger zerolog.Logger) {
	if err := w.broker.Ack(msgID); err != nil && !errors.Is(err, queue.ErrUnknownMessage) {
		logger.Error().Err(err).Msg("failed to ack message")
	}
}

func (w *Worker) publish(eventType events.EventType, task *types.Task, message string) {
	if w.events == nil {
		return
	}
	w.events.Publish(&events.Event{
		Type:    eventType,
		TaskID:  task.ID,
		UserID:  task.UserID,
		Message: message,
	})
}
