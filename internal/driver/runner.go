package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"outreach-engine/internal/events"
	"outreach-engine/internal/scheduler"
)

// ErrLocked means another process is already running a batch.
var ErrLocked = errors.New("driver lock held by another process")

// WithLock runs fn while holding an exclusive file lock at path.
func WithLock(ctx context.Context, path string, fn func(context.Context) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return ErrLocked
	}
	defer func() { _ = fl.Unlock() }()
	return fn(ctx)
}

type Status struct {
	Running       bool             `json:"running"`
	LastRunAt     string           `json:"lastRunAt,omitempty"`
	LastOkAt      string           `json:"lastOkAt,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
	LastBatch     *Summary         `json:"lastBatch,omitempty"`
	LastReconcile *ReconcileReport `json:"lastReconcile,omitempty"`
}

// Runner drives periodic batches and keeps the latest status for the API.
type Runner struct {
	drv    *Driver
	pub    events.Publisher
	status atomic.Value
	// LockPath, when set, makes each batch take the cross-process lock.
	LockPath string
}

func NewRunner(drv *Driver, pub events.Publisher) *Runner {
	if pub == nil {
		pub = events.Discard{}
	}
	r := &Runner{drv: drv, pub: pub}
	r.status.Store(Status{})
	return r
}

func (r *Runner) Status() Status {
	return r.status.Load().(Status)
}

func (r *Runner) update(fn func(*Status)) {
	st := r.Status()
	fn(&st)
	r.status.Store(st)
}

// RunBatch runs one batch and records the outcome.
func (r *Runner) RunBatch(ctx context.Context) error {
	r.update(func(st *Status) {
		st.Running = true
		st.LastRunAt = time.Now().UTC().Format(time.RFC3339)
	})

	var sum Summary
	run := func(ctx context.Context) error {
		var err error
		sum, err = r.drv.RunOnce(ctx)
		return err
	}
	var err error
	if r.LockPath != "" {
		err = WithLock(ctx, r.LockPath, run)
	} else {
		err = run(ctx)
	}

	r.update(func(st *Status) {
		st.Running = false
		if errors.Is(err, ErrLocked) {
			st.LastError = err.Error()
			return
		}
		st.LastBatch = &sum
		if err != nil {
			st.LastError = err.Error()
			return
		}
		st.LastError = ""
		st.LastOkAt = time.Now().UTC().Format(time.RFC3339)
	})
	if err == nil {
		r.pub.Publish(events.MakeEvent("", events.TypeDriverRun, 1, sum))
	}
	return err
}

func (r *Runner) Reconcile(ctx context.Context) error {
	rep, err := r.drv.Reconcile(ctx)
	r.update(func(st *Status) { st.LastReconcile = &rep })
	return err
}

// Start schedules batches and reconciliation until ctx is done.
func (r *Runner) Start(ctx context.Context, batchEvery, reconcileEvery time.Duration) {
	go scheduler.Every(ctx, reconcileEvery, "reconcile", r.drv.log, r.Reconcile)
	go scheduler.Every(ctx, batchEvery, "driver", r.drv.log, r.RunBatch)
}
