package health

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docflowhq/docflow/pkg/queue"
	"github.com/docflowhq/docflow/pkg/store"
	"github.com/docflowhq/docflow/pkg/types"
)

// Check is a named probe of one subsystem.
type Check struct {
	Name  string
	Probe func() error
}

// Status is the outcome of one check.
type Status struct {
	Name    string    `json:"name"`
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Checked time.Time `json:"checked"`
}

// Registry runs registered checks on demand.
type Registry struct {
	mu     sync.RWMutex
	checks []Check
}

// NewRegistry creates an empty check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a check.
func (r *Registry) Register(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, c)
}

// Run executes every check and reports per-check status plus overall health.
func (r *Registry) Run() ([]Status, bool) {
	r.mu.RLock()
	checks := make([]Check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	statuses := make([]Status, 0, len(checks))
	healthy := true
	for _, c := range checks {
		s := Status{Name: c.Name, Healthy: true, Checked: time.Now()}
		if err := c.Probe(); err != nil {
			s.Healthy = false
			s.Message = err.Error()
			healthy = false
		}
		statuses = append(statuses, s)
	}
	return statuses, healthy
}

// StoreCheck probes that the task store answers queries.
func StoreCheck(st store.Store) Check {
	return Check{
		Name: "store",
		Probe: func() error {
			_, err := st.CountByStatus(store.TaskFilter{})
			return err
		},
	}
}

// QueueCheck probes queue backpressure: a queue past its soft threshold
// degrades health before enqueues start failing at the hard limit.
func QueueCheck(broker queue.Broker) Check {
	queues := []types.QueueName{
		types.QueueArchive,
		types.QueueParse,
		types.QueueVectorize,
		types.QueueCleanup,
	}
	return Check{
		Name: "queues",
		Probe: func() error {
			for _, q := range queues {
				if broker.Saturated(q) {
					return fmt.Errorf("queue %s past soft threshold (depth %d)", q, broker.Depth(q))
				}
			}
			return nil
		},
	}
}

// DataDirCheck probes that the data directory is writable.
func DataDirCheck(dir string) Check {
	return Check{
		Name: "data_dir",
		Probe: func() error {
			probe := filepath.Join(dir, ".health")
			if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
				return fmt.Errorf("data dir not writable: %w", err)
			}
			return os.Remove(probe)
		},
	}
}
