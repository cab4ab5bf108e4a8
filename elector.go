package storemaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ElectorState is the per-candidate election state.
type ElectorState int32

const (
	// StateWatching means the candidate is racing for the election node or
	// waiting for the current master's node to disappear.
	StateWatching ElectorState = iota
	// StateActive means this candidate currently owns the election node.
	StateActive
	// StateClosed is terminal; the candidate makes no further attempts.
	StateClosed
)

// String returns the state name.
func (s ElectorState) String() string {
	switch s {
	case StateWatching:
		return "WATCHING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// MasterRecord is the election node payload.
type MasterRecord struct {
	Address    ServerAddress `json:"address"`
	Session    string        `json:"session"`
	Epoch      uint64        `json:"epoch"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// DecodeMasterRecord parses an election node payload.
func DecodeMasterRecord(data []byte) (MasterRecord, error) {
	var rec MasterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return MasterRecord{}, fmt.Errorf("invalid master record: %w", err)
	}
	return rec, nil
}

// Expired reports whether the record's lease deadline has passed.
func (r MasterRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// ElectorConfig configures a MasterElector.
type ElectorConfig struct {
	// Key is the well-known election node key within the coordination bucket.
	Key string

	// Self is this candidate's advertised address.
	Self ServerAddress

	// Session uniquely identifies this candidate incarnation. Generated when
	// empty.
	Session string

	LeaseTTL      time.Duration
	RenewInterval time.Duration
	RetryInterval time.Duration

	Logger *slog.Logger
}

// MasterElector runs the active-master election protocol for one candidate
// process. Candidates of a cluster interact only through the coordination
// service, never through shared memory.
//
// A MasterElector must be registered with an [EventDispatcher] watching the
// same bucket so deletion notifications reach it.
type MasterElector struct {
	coord   Coordinator
	status  StatusController
	metrics *Metrics
	log     *slog.Logger

	key     string
	self    ServerAddress
	session string

	leaseTTL      time.Duration
	renewInterval time.Duration
	retryInterval time.Duration

	state            atomic.Int32
	clusterHasMaster atomic.Bool
	observed         atomic.Pointer[ServerAddress]
	epoch            atomic.Uint64
	ownedRev         atomic.Uint64

	// wakeCh is the wait primitive for the election loop. Capacity one: a
	// deletion releases at most one pending wait and wakeups are treated as
	// "re-check", never as "done".
	wakeCh chan struct{}

	renewMu     sync.Mutex
	renewCancel context.CancelFunc
	renewWG     sync.WaitGroup
}

// NewMasterElector creates an elector. The status controller is polled to
// terminate the retry loop; register [MasterElector.Interrupt] with it so an
// abort also unblocks a pending wait.
func NewMasterElector(coord Coordinator, status StatusController, metrics *Metrics, cfg ElectorConfig) *MasterElector {
	if cfg.Key == "" {
		cfg.Key = DefaultElectionKey
	}
	if cfg.Session == "" {
		cfg.Session = uuid.NewString()
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.RenewInterval == 0 {
		cfg.RenewInterval = DefaultRenewInterval
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &MasterElector{
		coord:         coord,
		status:        status,
		metrics:       metrics,
		log:           cfg.Logger.With("component", "elector", "self", cfg.Self.String()),
		key:           cfg.Key,
		self:          cfg.Self,
		session:       cfg.Session,
		leaseTTL:      cfg.LeaseTTL,
		renewInterval: cfg.RenewInterval,
		retryInterval: cfg.RetryInterval,
		wakeCh:        make(chan struct{}, 1),
	}
}

// BecomeActiveMaster blocks until this candidate becomes the active master or
// the process is told to stop. Not reentrant: one call per process lifetime.
//
// Returns nil once mastership is attained. Returns ErrElectorClosed (or the
// context error) when the status controller reports closed/shutdown before
// that happens; the node is never created in that case.
func (e *MasterElector) BecomeActiveMaster(ctx context.Context) error {
	start := time.Now()

	for {
		if e.status.IsClosed() || e.status.IsShutdownRequested() {
			e.state.Store(int32(StateClosed))
			e.log.Info("election abandoned, process closing")
			return ErrElectorClosed
		}
		if err := ctx.Err(); err != nil {
			e.state.Store(int32(StateClosed))
			return err
		}

		became, err := e.tryOwnMasterNode(ctx)
		if err != nil {
			// Transient coordination failure: stay in the race.
			e.metrics.IncCoordinationErrors()
			e.log.Warn("election attempt failed", "error", err)
			e.waitForMasterChange(ctx)
			continue
		}
		if became {
			e.metrics.ObserveElectionWait(time.Since(start))
			return nil
		}

		// Lost the race; wait for the current master's node to disappear.
		// Waking only licenses a re-attempt, any participant may win it.
		e.waitForMasterChange(ctx)
	}
}

// tryOwnMasterNode makes one attempt to own the election node. It returns
// true when this candidate became the active master, false when another
// candidate holds the node or the attempt lost a race.
func (e *MasterElector) tryOwnMasterNode(ctx context.Context) (bool, error) {
	now := time.Now()
	rec := MasterRecord{
		Address:    e.self,
		Session:    e.session,
		Epoch:      e.epoch.Load() + 1,
		AcquiredAt: now,
		ExpiresAt:  now.Add(e.leaseTTL),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}

	rev, err := e.coord.CreateIfAbsent(ctx, e.key, data)
	if err == nil {
		e.becomeActive(rec, rev)
		return true, nil
	}
	if !errors.Is(err, ErrNodeExists) {
		return false, err
	}

	// Someone else holds the node; record the observed master.
	existing, existingRev, err := e.readMaster(ctx)
	if err != nil {
		if errors.Is(err, ErrNodeMissing) {
			// Deleted between the create attempt and the read; the
			// existence re-check in waitForMasterChange re-races promptly.
			return false, nil
		}
		return false, err
	}

	addr := existing.Address
	e.observed.Store(&addr)
	e.epoch.Store(existing.Epoch)
	e.clusterHasMaster.Store(true)
	e.metrics.SetClusterHasMaster(true)
	e.metrics.IncElectionsLost()
	e.log.Info("another candidate is the active master", "master", addr.String())

	if existing.Expired(time.Now()) {
		// The holder stopped renewing its lease. Claim the node with a
		// revision check so only one standby can win the takeover.
		rec.Epoch = existing.Epoch + 1
		data, err = json.Marshal(rec)
		if err != nil {
			return false, err
		}
		newRev, uerr := e.coord.Update(ctx, e.key, data, existingRev)
		if uerr == nil {
			e.log.Info("claimed expired master lease", "previous", addr.String())
			e.becomeActive(rec, newRev)
			return true, nil
		}
		if errors.Is(uerr, ErrCASFailed) {
			return false, nil
		}
		return false, uerr
	}

	return false, nil
}

func (e *MasterElector) becomeActive(rec MasterRecord, rev uint64) {
	e.ownedRev.Store(rev)
	addr := rec.Address
	e.observed.Store(&addr)
	e.epoch.Store(rec.Epoch)
	e.clusterHasMaster.Store(true)
	e.state.Store(int32(StateActive))

	e.metrics.SetActiveMaster(true)
	e.metrics.SetClusterHasMaster(true)
	e.metrics.SetElectionEpoch(rec.Epoch)
	e.metrics.IncElectionsWon()

	e.startRenewal()
	e.log.Info("became active master", "epoch", rec.Epoch)
}

// waitForMasterChange blocks until the election node is deleted, the wait
// times out, or the context is cancelled. The wait is bounded so shutdown and
// lease expiry are noticed without a deletion event.
func (e *MasterElector) waitForMasterChange(ctx context.Context) {
	// The node may have been deleted between the failed create and now; the
	// deletion notification would then never arrive. Re-checking existence
	// after arming the wait closes that window.
	if exists, err := e.coord.Exists(ctx, e.key); err == nil && !exists {
		e.clusterHasMaster.Store(false)
		e.metrics.SetClusterHasMaster(false)
		return
	}

	timer := time.NewTimer(e.retryInterval)
	defer timer.Stop()

	select {
	case <-e.wakeCh:
		e.metrics.IncWakeups()
	case <-timer.C:
		// Bounded wait; loop re-checks shutdown flags and lease expiry.
	case <-ctx.Done():
	}
}

// Interrupt unblocks a pending election wait. Register it with the process
// status controller so aborts and shutdowns are honored promptly.
func (e *MasterElector) Interrupt() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// NodeCreated implements NodeEventListener.
func (e *MasterElector) NodeCreated(key string) {
	if key != e.key {
		return
	}
	e.clusterHasMaster.Store(true)
	e.metrics.SetClusterHasMaster(true)
}

// NodeDeleted implements NodeEventListener. It performs its own bookkeeping
// and wakes the blocked election loop; the loop independently re-attempts
// creation and never assumes the wakeup means mastership.
func (e *MasterElector) NodeDeleted(key string) {
	if key != e.key {
		return
	}
	e.clusterHasMaster.Store(false)
	e.metrics.SetClusterHasMaster(false)

	if ElectorState(e.state.Load()) == StateActive && e.ownedRev.Load() != 0 {
		// The node disappeared without a step-down from us.
		e.log.Error("master node deleted while active, mastership lost")
		e.loseMastership()
	}

	e.Interrupt()
}

// StepDown deletes this candidate's own election node iff it currently owns
// it, triggering a deletion notification for all watchers. Idempotent: a
// second call is a no-op. This is the graceful handoff path, distinct from
// crash-induced loss.
func (e *MasterElector) StepDown(ctx context.Context) error {
	rev := e.ownedRev.Swap(0)
	if rev == 0 {
		return nil
	}

	e.stopRenewal()
	e.state.Store(int32(StateWatching))
	e.clusterHasMaster.Store(false)
	e.metrics.SetActiveMaster(false)
	e.metrics.SetClusterHasMaster(false)
	e.metrics.IncStepDowns()

	// The node may no longer be ours: an expired lease can have been claimed
	// by another candidate. Never delete a node we do not own.
	rec, _, err := e.readMaster(ctx)
	if err != nil {
		if errors.Is(err, ErrNodeMissing) {
			return nil
		}
		// Transient failure: restore ownership so the caller can retry the
		// deletion instead of leaving failover to lease expiry.
		e.ownedRev.Store(rev)
		return err
	}
	if rec.Session != e.session {
		return nil
	}

	if err := e.coord.Delete(ctx, e.key); err != nil {
		e.ownedRev.Store(rev)
		return err
	}
	e.log.Info("stepped down as active master")
	return nil
}

// MasterAddress returns the last observed active master address. It never
// blocks; ok is false until any observation has occurred. The value is
// eventually consistent.
func (e *MasterElector) MasterAddress() (ServerAddress, bool) {
	addr := e.observed.Load()
	if addr == nil {
		return ServerAddress{}, false
	}
	return *addr, true
}

// ClusterHasActiveMaster reports whether an election node currently exists
// cluster-wide, independent of which candidate created it. Eventually
// consistent, lock-free.
func (e *MasterElector) ClusterHasActiveMaster() bool {
	return e.clusterHasMaster.Load()
}

// State returns the candidate's current election state.
func (e *MasterElector) State() ElectorState {
	return ElectorState(e.state.Load())
}

// IsActiveMaster reports whether this candidate currently owns the election
// node.
func (e *MasterElector) IsActiveMaster() bool {
	return e.State() == StateActive
}

// Epoch returns the last observed election epoch.
func (e *MasterElector) Epoch() uint64 {
	return e.epoch.Load()
}

func (e *MasterElector) readMaster(ctx context.Context) (MasterRecord, uint64, error) {
	data, rev, err := e.coord.Read(ctx, e.key)
	if err != nil {
		return MasterRecord{}, 0, err
	}
	rec, err := DecodeMasterRecord(data)
	if err != nil {
		return MasterRecord{}, 0, err
	}
	return rec, rev, nil
}

// startRenewal keeps the lease deadline ahead of the clock while this
// candidate is the active master.
func (e *MasterElector) startRenewal() {
	ctx, cancel := context.WithCancel(context.Background())
	e.renewMu.Lock()
	e.renewCancel = cancel
	e.renewMu.Unlock()

	e.renewWG.Add(1)
	go func() {
		defer e.renewWG.Done()

		ticker := time.NewTicker(e.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.renewLease(ctx); err != nil {
					if errors.Is(err, ErrNotActiveMaster) {
						return
					}
					e.metrics.IncCoordinationErrors()
					e.log.Warn("lease renewal failed", "error", err)
				}
			}
		}
	}()
}

func (e *MasterElector) renewLease(ctx context.Context) error {
	rev := e.ownedRev.Load()
	if rev == 0 {
		return nil
	}

	rec, curRev, err := e.readMaster(ctx)
	if err != nil {
		return err
	}
	if rec.Session != e.session {
		// Fenced out: another candidate claimed the node.
		e.log.Error("mastership lost to another candidate", "master", rec.Address.String())
		e.loseMastership()
		return ErrNotActiveMaster
	}

	rec.ExpiresAt = time.Now().Add(e.leaseTTL)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	newRev, err := e.coord.Update(ctx, e.key, data, curRev)
	if err != nil {
		return err
	}
	e.ownedRev.Store(newRev)
	return nil
}

// loseMastership clears ownership after the node was deleted or claimed by
// another candidate. The process-level caller decides via the status
// controller whether this is fatal.
func (e *MasterElector) loseMastership() {
	e.ownedRev.Store(0)
	e.state.Store(int32(StateWatching))
	e.metrics.SetActiveMaster(false)

	e.renewMu.Lock()
	cancel := e.renewCancel
	e.renewCancel = nil
	e.renewMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *MasterElector) stopRenewal() {
	e.renewMu.Lock()
	cancel := e.renewCancel
	e.renewCancel = nil
	e.renewMu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.renewWG.Wait()
}
