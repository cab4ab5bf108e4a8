package storemaster_test

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	storemaster "github.com/ozanturksever/go-storemaster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessStatus_Flags(t *testing.T) {
	s := storemaster.NewProcessStatus(nil)
	assert.False(t, s.IsClosed())
	assert.False(t, s.IsShutdownRequested())

	s.RequestShutdown()
	assert.True(t, s.IsShutdownRequested())
	assert.False(t, s.IsClosed(), "graceful shutdown is not a close")
}

func TestProcessStatus_AbortWinsOnce(t *testing.T) {
	s := storemaster.NewProcessStatus(nil)

	s.Abort("first failure", fmt.Errorf("boom"))
	assert.True(t, s.IsClosed())

	// Later aborts must not overwrite the recorded cause.
	s.Abort("second failure", nil)

	reason, cause := s.AbortCause()
	assert.Equal(t, "first failure", reason)
	require.Error(t, cause)
	assert.Equal(t, "boom", cause.Error())
}

func TestProcessStatus_HooksRunOnShutdownAndAbort(t *testing.T) {
	s := storemaster.NewProcessStatus(nil)

	var calls atomic.Int32
	s.OnInterrupt(func() { calls.Add(1) })
	s.OnInterrupt(func() { calls.Add(1) })

	s.RequestShutdown()
	assert.Equal(t, int32(2), calls.Load())

	// A repeated shutdown request is a no-op.
	s.RequestShutdown()
	assert.Equal(t, int32(2), calls.Load())

	s.Abort("done", nil)
	assert.Equal(t, int32(4), calls.Load())
}

func TestClusterStatus_MarshalJSON(t *testing.T) {
	status := storemaster.ClusterStatus{
		ClusterID:        "store-test",
		Self:             storemaster.NewServerAddress("10.0.0.5", 16000),
		State:            storemaster.StateActive,
		Master:           "10.0.0.5:16000",
		ClusterHasMaster: true,
		Uptime:           1500 * time.Millisecond,
		Connected:        true,
	}
	assert.True(t, status.IsActiveMaster())

	data, err := json.Marshal(status)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "store-test", decoded["clusterId"])
	assert.Equal(t, "10.0.0.5:16000", decoded["self"])
	assert.Equal(t, "ACTIVE", decoded["state"])
	assert.Equal(t, "10.0.0.5:16000", decoded["master"])
	assert.Equal(t, true, decoded["clusterHasMaster"])
	assert.Equal(t, float64(1500), decoded["uptimeMs"])
	assert.Equal(t, true, decoded["connected"])
}

func TestElectorState_String(t *testing.T) {
	assert.Equal(t, "WATCHING", storemaster.StateWatching.String())
	assert.Equal(t, "ACTIVE", storemaster.StateActive.String())
	assert.Equal(t, "CLOSED", storemaster.StateClosed.String())
}
