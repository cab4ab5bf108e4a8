package storemaster_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	storemaster "github.com/ozanturksever/go-storemaster"
	"github.com/ozanturksever/go-storemaster/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// candidate bundles one process's election machinery against a shared bucket.
type candidate struct {
	coord      storemaster.Coordinator
	status     *storemaster.ProcessStatus
	elector    *storemaster.MasterElector
	dispatcher *storemaster.EventDispatcher
}

func startCandidate(t *testing.T, ns *testutil.NATSServer, bucket string, addr storemaster.ServerAddress) *candidate {
	t.Helper()

	kv := ns.KeyValue(t, bucket)
	coord := storemaster.NewKVCoordinator(kv)
	status := storemaster.NewProcessStatus(nil)

	elector := storemaster.NewMasterElector(coord, status, nil, storemaster.ElectorConfig{
		Self:          addr,
		LeaseTTL:      5 * time.Second,
		RenewInterval: 1 * time.Second,
		RetryInterval: 200 * time.Millisecond,
	})
	status.OnInterrupt(elector.Interrupt)

	dispatcher := storemaster.NewEventDispatcher(kv, nil)
	dispatcher.Listen(elector)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, dispatcher.Start(ctx))

	t.Cleanup(func() {
		status.RequestShutdown()
		cancel()
		dispatcher.Stop()
	})

	return &candidate{
		coord:      coord,
		status:     status,
		elector:    elector,
		dispatcher: dispatcher,
	}
}

func addr(host string, port int) storemaster.ServerAddress {
	return storemaster.NewServerAddress(host, port)
}

func TestElector_FirstCandidateBecomesActive(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	c := startCandidate(t, ns, "el_single", addr("firstMaster", 1234))

	require.False(t, c.elector.ClusterHasActiveMaster())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.elector.BecomeActiveMaster(ctx))

	assert.True(t, c.elector.IsActiveMaster())
	assert.True(t, c.elector.ClusterHasActiveMaster())
	assert.Equal(t, storemaster.StateActive, c.elector.State())

	observed, ok := c.elector.MasterAddress()
	require.True(t, ok)
	assert.Equal(t, "firstMaster:1234", observed.String())

	// The election node payload must carry this candidate's address.
	data, _, err := c.coord.Read(ctx, storemaster.DefaultElectionKey)
	require.NoError(t, err)
	rec, err := storemaster.DecodeMasterRecord(data)
	require.NoError(t, err)
	assert.Equal(t, "firstMaster:1234", rec.Address.String())
}

func TestElector_SecondCandidateStandsBy(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	first := startCandidate(t, ns, "el_standby", addr("firstMaster", 1234))
	second := startCandidate(t, ns, "el_standby", addr("secondMaster", 1234))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, first.elector.BecomeActiveMaster(ctx))

	var secondDone atomic.Bool
	go func() {
		second.elector.BecomeActiveMaster(ctx)
		secondDone.Store(true)
	}()

	// The standby figures out there is another active master.
	assert.Eventually(t, func() bool {
		return second.elector.ClusterHasActiveMaster()
	}, 10*time.Second, 50*time.Millisecond, "standby should see an active master")

	assert.Eventually(t, func() bool {
		observed, ok := second.elector.MasterAddress()
		return ok && observed.String() == "firstMaster:1234"
	}, 10*time.Second, 50*time.Millisecond, "standby should observe the master address")

	// Both see a master; only the first is it.
	assert.True(t, first.elector.ClusterHasActiveMaster())
	assert.True(t, first.elector.IsActiveMaster())
	assert.False(t, second.elector.IsActiveMaster())
	assert.False(t, secondDone.Load(), "standby call must still be blocked")
}

func TestElector_FailoverOnStepDown(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	a := startCandidate(t, ns, "el_failover", addr("a", 1))
	b := startCandidate(t, ns, "el_failover", addr("b", 2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, a.elector.BecomeActiveMaster(ctx))

	var bDone atomic.Bool
	go func() {
		if err := b.elector.BecomeActiveMaster(ctx); err == nil {
			bDone.Store(true)
		}
	}()

	assert.Eventually(t, func() bool {
		observed, ok := b.elector.MasterAddress()
		return ok && observed.String() == "a:1"
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, a.elector.StepDown(ctx))
	assert.False(t, a.elector.IsActiveMaster())

	// B's blocked call returns with B now the active master.
	assert.Eventually(t, func() bool {
		return bDone.Load() && b.elector.IsActiveMaster()
	}, 10*time.Second, 50*time.Millisecond, "standby should take over after step down")

	// A re-entering the race observes B as the active master.
	a2 := startCandidate(t, ns, "el_failover", addr("a", 1))
	go a2.elector.BecomeActiveMaster(ctx)

	assert.Eventually(t, func() bool {
		observed, ok := a2.elector.MasterAddress()
		return ok && observed.String() == "b:2"
	}, 10*time.Second, 50*time.Millisecond, "re-racing candidate should observe the new master")
	assert.False(t, a2.elector.IsActiveMaster())
}

func TestElector_ConcurrentCandidatesExactlyOneWins(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	const numCandidates = 5
	candidates := make([]*candidate, numCandidates)
	for i := 0; i < numCandidates; i++ {
		candidates[i] = startCandidate(t, ns, "el_race", addr("candidate", 1000+i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var wins atomic.Int32
	for i := 0; i < numCandidates; i++ {
		c := candidates[i]
		go func() {
			if err := c.elector.BecomeActiveMaster(ctx); err == nil {
				wins.Add(1)
			}
		}()
	}

	assert.Eventually(t, func() bool {
		return wins.Load() == 1
	}, 10*time.Second, 50*time.Millisecond, "exactly one candidate should win")

	// All participants converge on the same observed master address.
	var masterAddr string
	for _, c := range candidates {
		if c.elector.IsActiveMaster() {
			observed, ok := c.elector.MasterAddress()
			require.True(t, ok)
			masterAddr = observed.String()
		}
	}
	require.NotEmpty(t, masterAddr)

	assert.Eventually(t, func() bool {
		for _, c := range candidates {
			observed, ok := c.elector.MasterAddress()
			if !ok || observed.String() != masterAddr {
				return false
			}
			if !c.elector.ClusterHasActiveMaster() {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond, "all candidates should record the winner's address")

	// Still exactly one winner once everything settled.
	active := 0
	for _, c := range candidates {
		if c.elector.IsActiveMaster() {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

// countingListener records deletion notifications for the election node.
type countingListener struct {
	deletions atomic.Int32
}

func (l *countingListener) NodeCreated(key string) {}

func (l *countingListener) NodeDeleted(key string) {
	if key == storemaster.DefaultElectionKey {
		l.deletions.Add(1)
	}
}

func TestElector_StepDownTwiceSingleDeletion(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	c := startCandidate(t, ns, "el_stepdown", addr("master", 1))

	listener := &countingListener{}
	c.dispatcher.Listen(listener)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.elector.BecomeActiveMaster(ctx))

	require.NoError(t, c.elector.StepDown(ctx))
	require.NoError(t, c.elector.StepDown(ctx), "second step down must be a no-op")

	assert.Eventually(t, func() bool {
		return listener.deletions.Load() == 1
	}, 5*time.Second, 50*time.Millisecond, "exactly one deletion notification expected")

	// Give a late duplicate a chance to show up before asserting.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(1), listener.deletions.Load())
}

// faultyCoordinator injects read failures in front of a real coordinator.
type faultyCoordinator struct {
	storemaster.Coordinator
	failReads atomic.Int32
}

func (c *faultyCoordinator) Read(ctx context.Context, key string) ([]byte, uint64, error) {
	if c.failReads.Load() > 0 {
		c.failReads.Add(-1)
		return nil, 0, fmt.Errorf("coordination service unavailable")
	}
	return c.Coordinator.Read(ctx, key)
}

func TestElector_StepDownRetriesAfterReadFailure(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	base := storemaster.NewKVCoordinator(ns.KeyValue(t, "el_sd_retry"))
	faulty := &faultyCoordinator{Coordinator: base}
	status := storemaster.NewProcessStatus(nil)

	// Long renewal interval so the renewal loop does not consume the
	// injected failure.
	elector := storemaster.NewMasterElector(faulty, status, nil, storemaster.ElectorConfig{
		Self:          addr("master", 1),
		LeaseTTL:      time.Minute,
		RenewInterval: time.Minute,
		RetryInterval: 200 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, elector.BecomeActiveMaster(ctx))

	faulty.failReads.Store(1)
	require.Error(t, elector.StepDown(ctx))

	// The node is still there; ownership was kept so the caller can retry.
	exists, err := base.Exists(ctx, storemaster.DefaultElectionKey)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, elector.StepDown(ctx))

	exists, err = base.Exists(ctx, storemaster.DefaultElectionKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestElector_ClosedBeforeStartReturnsImmediately(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	c := startCandidate(t, ns, "el_closed", addr("late", 1))
	c.status.Abort("closing before election", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.elector.BecomeActiveMaster(ctx)
	assert.ErrorIs(t, err, storemaster.ErrElectorClosed)
	assert.Equal(t, storemaster.StateClosed, c.elector.State())
	assert.False(t, c.elector.IsActiveMaster())

	// No node may have been created.
	exists, err := c.coord.Exists(ctx, storemaster.DefaultElectionKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestElector_AbortUnblocksWaiter(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	first := startCandidate(t, ns, "el_abort", addr("first", 1))
	second := startCandidate(t, ns, "el_abort", addr("second", 2))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, first.elector.BecomeActiveMaster(ctx))

	errCh := make(chan error, 1)
	go func() {
		errCh <- second.elector.BecomeActiveMaster(ctx)
	}()

	assert.Eventually(t, func() bool {
		return second.elector.ClusterHasActiveMaster()
	}, 10*time.Second, 50*time.Millisecond)

	second.status.Abort("fatal coordination failure", fmt.Errorf("connection lost"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, storemaster.ErrElectorClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("aborted candidate did not unblock")
	}
	assert.False(t, second.elector.IsActiveMaster())

	reason, cause := second.status.AbortCause()
	assert.Equal(t, "fatal coordination failure", reason)
	assert.Error(t, cause)
}

func TestElector_MasterAddressNeverBlocks(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	c := startCandidate(t, ns, "el_addr", addr("obs", 1))

	// Unknown before any observation.
	observed, ok := c.elector.MasterAddress()
	assert.False(t, ok)
	assert.True(t, observed.IsZero())
	assert.False(t, c.elector.ClusterHasActiveMaster())
}

func TestElector_ExpiredLeaseTakeover(t *testing.T) {
	ns := testutil.StartNATS(t)
	defer ns.Stop()

	c := startCandidate(t, ns, "el_expired", addr("heir", 2))

	// A previous master crashed without deleting its node; its lease deadline
	// is in the past.
	stale := storemaster.MasterRecord{
		Address:    addr("dead", 1),
		Session:    "dead-session",
		Epoch:      3,
		AcquiredAt: time.Now().Add(-time.Minute),
		ExpiresAt:  time.Now().Add(-30 * time.Second),
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err = c.coord.CreateIfAbsent(ctx, storemaster.DefaultElectionKey, data)
	require.NoError(t, err)

	require.NoError(t, c.elector.BecomeActiveMaster(ctx))
	assert.True(t, c.elector.IsActiveMaster())
	assert.Greater(t, c.elector.Epoch(), uint64(3), "takeover must advance the epoch")

	current, _, err := c.coord.Read(ctx, storemaster.DefaultElectionKey)
	require.NoError(t, err)
	rec, err := storemaster.DecodeMasterRecord(current)
	require.NoError(t, err)
	assert.Equal(t, "heir:2", rec.Address.String())
}
