package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/itskum47/ThresholdForge/store"
)

// Priority orders admission. Higher values are admitted first; ties are
// broken by submission time, earliest first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// String returns the name used in status payloads and agent responses.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("PRIORITY_%d", int(p))
	}
}

// ParsePriority maps a payload name to a Priority. Unknown names fall back
// to normal.
func ParsePriority(name string) Priority {
	switch name {
	case "LOW":
		return PriorityLow
	case "HIGH":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// TaskRequest is one queued threshold calculation. CreatedAt is stamped at
// submission and drives FIFO ordering within a priority class.
type TaskRequest struct {
	TaskID         string
	TaskVersion    int
	DatasourceID   string
	MetricTemplate store.MetricTemplate
	WindowSize     int
	Direction      string
	Priority       Priority
	Sensitivity    float64
	CreatedAt      time.Time
}

// Outcome is what an executor run reports back. Status is one of the store
// task statuses; NoData is internal and mapped to Failed before persistence.
type Outcome struct {
	Status  string
	Results []store.MetricThresholdResult
	Message string
}

// Executor runs one threshold calculation over fetched data. Implementations
// must honor ctx cancellation; the scheduler maps a cancelled run to a
// Failed version.
type Executor interface {
	Execute(ctx context.Context, req *TaskRequest) (*Outcome, error)
}
