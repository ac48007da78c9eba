package usage

import "sync/atomic"

// Counters provides lock-free counters for the live stats endpoint. Detailed
// history comes from the database backend.
type Counters struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	failureCount  atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

// Record increments counters based on request outcome.
func (c *Counters) Record(failed bool) {
	if c == nil {
		return
	}
	c.totalRequests.Add(1)
	if failed {
		c.failureCount.Add(1)
	} else {
		c.successCount.Add(1)
	}
}

// Snapshot returns current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		TotalRequests: c.totalRequests.Load(),
		SuccessCount:  c.successCount.Load(),
		FailureCount:  c.failureCount.Load(),
	}
}

// CounterSnapshot holds an immutable point-in-time view of counter values.
type CounterSnapshot struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
}
