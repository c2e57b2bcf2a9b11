package vm

import (
	"context"
	"sync"
	"time"

	"github.com/vmrunner/containerization/vlog"
)

// timeSyncInterval is how often the guest clock is re-aligned while the VM
// is running.
const timeSyncInterval = 30 * time.Second

// timeSyncer periodically re-aligns the guest clock via syncFn. It is
// started after boot and paused/resumed alongside the VM (spec §4.3),
// rather than running unconditionally — a paused VM's clock does not
// drift relative to wall time in a way worth correcting mid-pause.
type timeSyncer struct {
	syncFn func(ctx context.Context) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func newTimeSyncer(syncFn func(ctx context.Context) error) *timeSyncer {
	return &timeSyncer{syncFn: syncFn}
}

func (t *timeSyncer) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true
	t.wg.Add(1)
	go t.loop(loopCtx)
}

func (t *timeSyncer) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	running := t.running
	t.running = false
	t.mu.Unlock()
	if !running {
		return
	}
	cancel()
	t.wg.Wait()
}

func (t *timeSyncer) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(timeSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.syncFn(ctx); err != nil {
				vlog.G(ctx).WithError(err).Warn("guest time sync failed")
			}
		}
	}
}
