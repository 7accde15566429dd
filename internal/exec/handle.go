package exec

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAwaitTimeout is returned when AwaitReport's wait budget expires
// before the execution reaches a terminal state. The execution keeps
// working; the caller may await again.
var ErrAwaitTimeout = errors.New("await report timeout")

// Progress is a point-in-time view of a working execution.
type Progress struct {
	ExecutionID string    `json:"execution_id"`
	IntentID    string    `json:"intent_id"`
	State       State     `json:"state"`
	FilledSize  float64   `json:"filled_size"`
	TargetSize  float64   `json:"target_size"`
	Reprices    int       `json:"reprices"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Handle is the caller's reference to a submitted execution. Submission
// never blocks on the execution itself; the handle is how results come
// back.
type Handle struct {
	executionID string
	intentID    string

	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	report   Report
	progress func() Progress
}

func newHandle(executionID, intentID string, progress func() Progress) *Handle {
	return &Handle{
		executionID: executionID,
		intentID:    intentID,
		done:        make(chan struct{}),
		progress:    progress,
	}
}

// ExecutionID identifies the execution this handle tracks.
func (h *Handle) ExecutionID() string { return h.executionID }

// IntentID identifies the originating trade intent.
func (h *Handle) IntentID() string { return h.intentID }

// State returns the current view of the execution without blocking.
func (h *Handle) State() Progress { return h.progress() }

// Done is closed once the execution reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// AwaitReport blocks until the execution finishes, the timeout elapses,
// or ctx is cancelled. After the execution is terminal it returns the
// same report immediately on every call.
func (h *Handle) AwaitReport(ctx context.Context, timeout time.Duration) (Report, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.report, nil
	case <-timer:
		return Report{}, ErrAwaitTimeout
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// complete publishes the final report exactly once. Later calls are
// ignored, which makes terminal state transitions race-free.
func (h *Handle) complete(r Report) {
	h.once.Do(func() {
		h.mu.Lock()
		h.report = r
		h.mu.Unlock()
		close(h.done)
	})
}
