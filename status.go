package storemaster

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StatusController is the capability surface the owning process hands to the
// elector. The election loop polls it to terminate promptly; Abort forces the
// candidate into its terminal closed state.
//
// Callers of [MasterElector.BecomeActiveMaster] must consult the controller,
// not the cluster visibility flag, to learn whether mastership was attained
// after an early return.
type StatusController interface {
	// IsClosed reports whether the process has been closed or aborted.
	IsClosed() bool

	// IsShutdownRequested reports whether a graceful shutdown is in progress.
	IsShutdownRequested() bool

	// Abort records a fatal failure and closes the process.
	Abort(reason string, cause error)
}

// ProcessStatus is the standard StatusController implementation. It is
// constructed once at process start and passed by reference to every
// consumer; all flags are plain atomics so observers never block.
type ProcessStatus struct {
	closed   atomic.Bool
	shutdown atomic.Bool

	mu          sync.Mutex
	abortReason string
	abortCause  error
	hooks       []func()

	log *slog.Logger
}

// NewProcessStatus creates a process status controller.
func NewProcessStatus(log *slog.Logger) *ProcessStatus {
	if log == nil {
		log = slog.Default()
	}
	return &ProcessStatus{log: log}
}

// IsClosed reports whether the process has been closed or aborted.
func (s *ProcessStatus) IsClosed() bool {
	return s.closed.Load()
}

// IsShutdownRequested reports whether a graceful shutdown is in progress.
func (s *ProcessStatus) IsShutdownRequested() bool {
	return s.shutdown.Load()
}

// RequestShutdown flags the process for graceful shutdown and runs the
// registered wakeup hooks so blocked waits return promptly.
func (s *ProcessStatus) RequestShutdown() {
	if s.shutdown.CompareAndSwap(false, true) {
		s.log.Info("shutdown requested")
		s.runHooks()
	}
}

// Abort records a fatal failure, closes the process, and runs the registered
// wakeup hooks. Only the first call wins; later calls are no-ops.
func (s *ProcessStatus) Abort(reason string, cause error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.abortReason = reason
	s.abortCause = cause
	s.mu.Unlock()

	s.log.Error("aborting process", "reason", reason, "cause", cause)
	s.runHooks()
}

// AbortCause returns the recorded abort reason and cause, if any.
func (s *ProcessStatus) AbortCause() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortReason, s.abortCause
}

// OnInterrupt registers a hook invoked when the process is shut down or
// aborted. The elector registers its wait interrupt here.
func (s *ProcessStatus) OnInterrupt(fn func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *ProcessStatus) runHooks() {
	s.mu.Lock()
	hooks := make([]func(), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// ClusterStatus is a point-in-time view of this candidate and the cluster.
type ClusterStatus struct {
	// ClusterID is the cluster identifier.
	ClusterID string `json:"clusterId"`

	// Self is this candidate's advertised address.
	Self ServerAddress `json:"self"`

	// State is the candidate's election state (WATCHING, ACTIVE or CLOSED).
	State ElectorState `json:"state"`

	// Master is the last observed active master address (empty if unknown).
	Master string `json:"master"`

	// ClusterHasMaster reports whether an election node currently exists,
	// independent of which candidate created it. Eventually consistent.
	ClusterHasMaster bool `json:"clusterHasMaster"`

	// Uptime is how long this process has been running.
	Uptime time.Duration `json:"uptime"`

	// Connected indicates whether the process is connected to NATS.
	Connected bool `json:"connected"`
}

// IsActiveMaster returns true if this candidate currently owns the election
// node.
func (s *ClusterStatus) IsActiveMaster() bool {
	return s.State == StateActive
}

// statusJSON is used for custom JSON marshaling.
type statusJSON struct {
	ClusterID        string `json:"clusterId"`
	Self             string `json:"self"`
	State            string `json:"state"`
	Master           string `json:"master"`
	ClusterHasMaster bool   `json:"clusterHasMaster"`
	UptimeMs         int64  `json:"uptimeMs"`
	Connected        bool   `json:"connected"`
}

// MarshalJSON implements json.Marshaler to serialize the state as a string
// and the uptime as milliseconds.
func (s ClusterStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusJSON{
		ClusterID:        s.ClusterID,
		Self:             s.Self.String(),
		State:            s.State.String(),
		Master:           s.Master,
		ClusterHasMaster: s.ClusterHasMaster,
		UptimeMs:         s.Uptime.Milliseconds(),
		Connected:        s.Connected,
	})
}
