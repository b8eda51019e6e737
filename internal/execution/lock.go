package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alphapipe/trading-engine/internal/observ"
)

// ProcessLock is a per-account lease file: at most one live process may
// execute orders for an account. Liveness is a heartbeat timestamp; a lease
// whose heartbeat is older than the TTL is stale and may be reclaimed, so a
// crashed holder never bricks the account. Every write re-verifies ownership
// on disk, so a holder that stalled past the TTL and was reclaimed steps
// down instead of clobbering its successor.
type ProcessLock struct {
	mu         sync.Mutex
	path       string
	accountID  string
	holder     string
	ttl        time.Duration
	heartbeat  time.Duration
	held       bool
	lost       bool
	acquiredAt time.Time
	stop       chan struct{}
	done       chan struct{}
	now        func() time.Time
}

type leaseFile struct {
	AccountID   string    `json:"account_id"`
	Holder      string    `json:"holder"`
	PID         int       `json:"pid"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	TTLSeconds  int       `json:"ttl_seconds"`
}

func NewProcessLock(path, accountID string, ttl, heartbeat time.Duration) *ProcessLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if heartbeat <= 0 || heartbeat >= ttl {
		heartbeat = ttl / 3
	}
	return &ProcessLock{
		path:      path,
		accountID: accountID,
		holder:    uuid.NewString(),
		ttl:       ttl,
		heartbeat: heartbeat,
		now:       time.Now,
	}
}

// Acquire takes the lease or fails if another live process holds it. A stale
// lease (heartbeat older than TTL) is reclaimed with a log line naming the
// dead holder. A missing lease file is created exclusively, so two fresh
// processes racing for it cannot both win; the reclaim path re-reads after
// its rename to confirm the lease actually landed.
func (pl *ProcessLock) Acquire() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.held {
		return nil
	}
	existing, err := pl.read()
	if err != nil {
		return err
	}
	now := pl.now().UTC()

	if existing == nil {
		if err := pl.createExclusive(now); err != nil {
			if os.IsExist(err) {
				return fmt.Errorf("account %s lock contested during acquire", pl.accountID)
			}
			return err
		}
		pl.held = true
		pl.lost = false
		pl.acquiredAt = now
		return nil
	}

	if existing.Holder != pl.holder {
		age := pl.now().Sub(existing.HeartbeatAt)
		if age < pl.ttl {
			return fmt.Errorf("account %s locked by %s (pid %d, heartbeat %s ago)",
				pl.accountID, existing.Holder, existing.PID, age.Round(time.Millisecond))
		}
		observ.Log("stale_lock_reclaimed", map[string]any{
			"account_id":  pl.accountID,
			"dead_holder": existing.Holder,
			"dead_pid":    existing.PID,
			"age_seconds": int(age.Seconds()),
		})
	}
	if err := pl.writeLease(now); err != nil {
		return err
	}
	// The rename is last-writer-wins: confirm the lease on disk names us
	// before claiming it, in case a concurrent reclaimer renamed after us.
	current, err := pl.read()
	if err != nil {
		return err
	}
	if current == nil || current.Holder != pl.holder {
		return fmt.Errorf("account %s lock lost to a concurrent reclaim", pl.accountID)
	}
	pl.held = true
	pl.lost = false
	pl.acquiredAt = now
	return nil
}

// Start acquires the lease and keeps it alive with periodic heartbeats until
// ctx ends or Release is called.
func (pl *ProcessLock) Start(ctx context.Context) error {
	if err := pl.Acquire(); err != nil {
		return err
	}
	pl.mu.Lock()
	pl.stop = make(chan struct{})
	pl.done = make(chan struct{})
	stop, done := pl.stop, pl.done
	pl.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(pl.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				pl.mu.Lock()
				if pl.held {
					if err := pl.refreshUnsafe(); err != nil {
						observ.Log("lock_heartbeat_failed", map[string]any{"err": err.Error()})
					}
				}
				pl.mu.Unlock()
			}
		}
	}()
	return nil
}

// refreshUnsafe re-stamps the heartbeat, but only after confirming the lease
// on disk still names this holder. A holder that stalled past the TTL may
// have been legitimately reclaimed; writing itself back would put two live
// executors on the account, so it steps down instead.
func (pl *ProcessLock) refreshUnsafe() error {
	existing, err := pl.read()
	if err != nil {
		return err
	}
	if existing == nil || existing.Holder != pl.holder {
		pl.held = false
		pl.lost = true
		current := "missing"
		if existing != nil {
			current = existing.Holder
		}
		observ.Log("lock_lease_lost", map[string]any{
			"account_id":     pl.accountID,
			"holder":         pl.holder,
			"current_holder": current,
		})
		return fmt.Errorf("account %s lease lost to %s", pl.accountID, current)
	}
	return pl.writeLease(pl.acquiredAt)
}

// Release drops the lease and removes the file if we still own it.
func (pl *ProcessLock) Release() error {
	pl.mu.Lock()
	if pl.stop != nil {
		close(pl.stop)
		pl.stop = nil
	}
	done := pl.done
	pl.done = nil
	pl.mu.Unlock()
	if done != nil {
		<-done
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if !pl.held {
		return nil
	}
	pl.held = false
	existing, err := pl.read()
	if err != nil {
		return err
	}
	if existing != nil && existing.Holder == pl.holder {
		return os.Remove(pl.path)
	}
	return nil
}

// Holder exposes the lease id for logs and tests.
func (pl *ProcessLock) Holder() string { return pl.holder }

// Held reports whether this process currently owns the lease.
func (pl *ProcessLock) Held() bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.held
}

// Lost reports whether a previously held lease was taken over by another
// process. The engine halts new entries while this is set; open positions
// still wind down.
func (pl *ProcessLock) Lost() bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.lost
}

func (pl *ProcessLock) read() (*leaseFile, error) {
	data, err := os.ReadFile(pl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}
	var lease leaseFile
	if err := json.Unmarshal(data, &lease); err != nil {
		// A torn lease file is treated as stale rather than fatal.
		return nil, nil
	}
	return &lease, nil
}

func (pl *ProcessLock) lease(acquiredAt time.Time) leaseFile {
	return leaseFile{
		AccountID:   pl.accountID,
		Holder:      pl.holder,
		PID:         os.Getpid(),
		AcquiredAt:  acquiredAt,
		HeartbeatAt: pl.now().UTC(),
		TTLSeconds:  int(pl.ttl.Seconds()),
	}
}

// createExclusive writes the lease through O_EXCL: it fails if any lease
// file already exists, even one created between our read and this call.
func (pl *ProcessLock) createExclusive(acquiredAt time.Time) error {
	if err := os.MkdirAll(filepath.Dir(pl.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(pl.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(pl.lease(acquiredAt), "", "  ")
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (pl *ProcessLock) writeLease(acquiredAt time.Time) error {
	if err := os.MkdirAll(filepath.Dir(pl.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pl.lease(acquiredAt), "", "  ")
	if err != nil {
		return err
	}
	tempPath := fmt.Sprintf("%s.%s.tmp", pl.path, pl.holder)
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write lock temp: %w", err)
	}
	if err := os.Rename(tempPath, pl.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename lock: %w", err)
	}
	return nil
}
