package execution

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two processes, one account: the second acquisition must fail while the
// first holder is alive.
func TestSecondAcquireFailsWhileHolderAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor.lock")

	first := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	err := second.Acquire()
	require.Error(t, err)
	assert.Contains(t, err.Error(), first.Holder())
}

func TestAcquireIsIdempotentForHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor.lock")
	pl := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	require.NoError(t, pl.Acquire())
	require.NoError(t, pl.Acquire())
	require.NoError(t, pl.Release())
}

// A lease whose heartbeat stopped longer than the TTL ago is reclaimed: a
// crashed process must never brick the account.
func TestStaleLeaseReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor.lock")

	dead := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	require.NoError(t, dead.Acquire())
	// No Release: the holder "crashed".

	successor := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	successor.now = func() time.Time { return time.Now().Add(45 * time.Second) }
	require.NoError(t, successor.Acquire())
	assert.NotEqual(t, dead.Holder(), successor.Holder())
	require.NoError(t, successor.Release())
}

// A holder that stalled past the TTL loses the lease to a legitimate
// reclaim; its next heartbeat must step down instead of writing itself back
// over the successor. Otherwise two live processes both place orders for the
// account.
func TestStalledHolderHeartbeatStepsDown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor.lock")

	stalled := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	require.NoError(t, stalled.Acquire())

	successor := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	successor.now = func() time.Time { return time.Now().Add(45 * time.Second) }
	require.NoError(t, successor.Acquire())

	stalled.mu.Lock()
	err := stalled.refreshUnsafe()
	stalled.mu.Unlock()
	require.Error(t, err)

	assert.False(t, stalled.Held())
	assert.True(t, stalled.Lost())
	assert.True(t, successor.Held())

	// The successor's lease survived the stalled holder's heartbeat.
	lease, rerr := successor.read()
	require.NoError(t, rerr)
	require.NotNil(t, lease)
	assert.Equal(t, successor.Holder(), lease.Holder)
}

// Heartbeats re-stamp liveness without rewriting the acquisition time.
func TestHeartbeatPreservesAcquiredAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor.lock")

	pl := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	t0 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	pl.now = func() time.Time { return t0 }
	require.NoError(t, pl.Acquire())

	pl.now = func() time.Time { return t0.Add(10 * time.Second) }
	pl.mu.Lock()
	require.NoError(t, pl.refreshUnsafe())
	pl.mu.Unlock()

	lease, err := pl.read()
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.True(t, lease.AcquiredAt.Equal(t0), "acquired_at rewritten to %s", lease.AcquiredAt)
	assert.True(t, lease.HeartbeatAt.Equal(t0.Add(10*time.Second)), "heartbeat_at = %s", lease.HeartbeatAt)
}

// Two fresh processes racing for a missing lease file: the create is
// exclusive, so exactly one can win.
func TestAcquireExclusiveCreateRefusesSecondWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor.lock")

	winner := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	require.NoError(t, winner.createExclusive(winner.now().UTC()))

	loser := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	err := loser.createExclusive(loser.now().UTC())
	require.Error(t, err)
	require.True(t, os.IsExist(err))

	// A full Acquire then surfaces the live holder, not a silent takeover.
	err = loser.Acquire()
	require.Error(t, err)
	assert.Contains(t, err.Error(), winner.Holder())
}

// Release by a process that lost the lease must not remove the new holder's
// lease file.
func TestReleaseAfterLosingLeaseIsHarmless(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor.lock")

	old := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	require.NoError(t, old.Acquire())

	usurper := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	usurper.now = func() time.Time { return time.Now().Add(45 * time.Second) }
	require.NoError(t, usurper.Acquire())

	require.NoError(t, old.Release())
	// The usurper's lease must still hold: a third process sees it as live.
	third := NewProcessLock(path, "acct-1", 30*time.Second, 10*time.Second)
	require.Error(t, third.Acquire())
}
