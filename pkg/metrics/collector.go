package metrics

import (
	"time"

	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/queue"
	"github.com/docflowhq/docflow/pkg/store"
	"github.com/docflowhq/docflow/pkg/types"
)

// stageQueues are the queues the collector samples.
var stageQueues = []types.QueueName{
	types.QueueArchive,
	types.QueueParse,
	types.QueueVectorize,
	types.QueueCleanup,
}

// Collector periodically samples the store and broker into gauges
type Collector struct {
	store  store.Store
	broker queue.Broker
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(st store.Store, broker queue.Broker) *Collector {
	return &Collector{
		store:  st,
		broker: broker,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskMetrics()
	c.collectQueueMetrics()
}

func (c *Collector) collectTaskMetrics() {
	taskTypes := []types.TaskType{
		types.TaskTypeArchive,
		types.TaskTypeParse,
		types.TaskTypeVectorize,
		types.TaskTypeCleanup,
	}
	for _, taskType := range taskTypes {
		counts, err := c.store.CountByStatus(store.TaskFilter{Type: taskType})
		if err != nil {
			logger := log.WithComponent("metrics")
			logger.Warn().Err(err).Msg("failed to count tasks")
			return
		}
		for status, n := range counts {
			TasksTotal.WithLabelValues(string(taskType), string(status)).Set(float64(n))
		}
	}
}

func (c *Collector) collectQueueMetrics() {
	for _, q := range stageQueues {
		QueueDepth.WithLabelValues(string(q)).Set(float64(c.broker.Depth(q)))
	}
}
