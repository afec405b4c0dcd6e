package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

// Status is the lifecycle state of a transfer task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress is a point-in-time snapshot of a task.
type Progress struct {
	ID          string
	Direction   string
	LocalPath   string
	RemoteName  string
	Status      Status
	BytesDone   int64
	BytesTotal  int64
	ChunksDone  int
	ChunksTotal int
	Checksum    string
	Error       string
}

type runFunc func(ctx context.Context) error

// Task is one download or upload in flight. A paused task can be resumed;
// each run re-derives its resume point from local and remote state.
type Task struct {
	id         string
	direction  string
	localPath  string
	remoteName string

	bytesDone atomic.Int64

	mu          sync.Mutex
	status      Status
	bytesTotal  int64
	chunksDone  int
	chunksTotal int
	checksum    string
	failure     error
	cancel      context.CancelFunc
	runDone     chan struct{}
	pauseWanted bool

	run      runFunc
	onStatus func(Status)

	terminal     chan struct{}
	terminalOnce sync.Once
}

func newTask(direction, localPath, remoteName string, bytesTotal int64, chunksTotal int) *Task {
	return &Task{
		id:          uuid.NewString(),
		direction:   direction,
		localPath:   localPath,
		remoteName:  remoteName,
		status:      StatusPending,
		bytesTotal:  bytesTotal,
		chunksTotal: chunksTotal,
		terminal:    make(chan struct{}),
	}
}

// ID returns the task's registry key.
func (t *Task) ID() string {
	return t.id
}

// Progress reports the current state of the task.
func (t *Task) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	progress := Progress{
		ID:          t.id,
		Direction:   t.direction,
		LocalPath:   t.localPath,
		RemoteName:  t.remoteName,
		Status:      t.status,
		BytesDone:   t.bytesDone.Load(),
		BytesTotal:  t.bytesTotal,
		ChunksDone:  t.chunksDone,
		ChunksTotal: t.chunksTotal,
		Checksum:    t.checksum,
	}
	if t.failure != nil {
		progress.Error = t.failure.Error()
	}
	return progress
}

func (t *Task) start() error {
	t.mu.Lock()
	switch t.status {
	case StatusRunning:
		t.mu.Unlock()
		return fmt.Errorf("transfer %q is already running", t.id)
	case StatusCompleted, StatusFailed:
		t.mu.Unlock()
		return fmt.Errorf("transfer %q already finished as %s", t.id, t.status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.runDone = make(chan struct{})
	t.pauseWanted = false
	t.setStatusLocked(StatusRunning)
	runDone := t.runDone
	t.mu.Unlock()

	go func() {
		defer close(runDone)
		err := t.run(ctx)
		cancel()

		t.mu.Lock()
		defer t.mu.Unlock()
		switch {
		case err == nil:
			t.setStatusLocked(StatusCompleted)
			t.closeTerminalLocked()
		case t.pauseWanted && errors.Is(err, context.Canceled):
			t.setStatusLocked(StatusPaused)
		default:
			t.failure = err
			t.setStatusLocked(StatusFailed)
			t.closeTerminalLocked()
		}
	}()

	return nil
}

// Pause stops the task between chunks and blocks until the run has stopped.
// Completed chunks stay on disk and on the remote session for resume.
func (t *Task) Pause() error {
	t.mu.Lock()
	if t.status != StatusRunning {
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("transfer %q is %s, not running", t.id, status)
	}
	t.pauseWanted = true
	cancel := t.cancel
	runDone := t.runDone
	t.mu.Unlock()

	cancel()
	<-runDone
	return nil
}

// Resume restarts a paused task from its persisted position.
func (t *Task) Resume() error {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()

	if status != StatusPaused {
		return fmt.Errorf("transfer %q is %s, not paused", t.id, status)
	}
	return t.start()
}

// Wait blocks until the task completes or fails, then returns the final
// snapshot. A paused task keeps Wait blocked until it is resumed.
func (t *Task) Wait(ctx context.Context) (Progress, error) {
	select {
	case <-ctx.Done():
		return t.Progress(), ctx.Err()
	case <-t.terminal:
	}

	progress := t.Progress()
	if progress.Status == StatusFailed {
		t.mu.Lock()
		failure := t.failure
		t.mu.Unlock()
		return progress, failure
	}
	return progress, nil
}

func (t *Task) setStatusLocked(status Status) {
	if t.status == status {
		return
	}
	t.status = status
	if t.onStatus != nil {
		t.onStatus(status)
	}
}

func (t *Task) closeTerminalLocked() {
	t.terminalOnce.Do(func() {
		close(t.terminal)
	})
}

// advance records one finished chunk. chunksDone is absolute so replays
// of already-uploaded chunks during resume stay monotonic.
func (t *Task) advance(n int64, chunksDone int) {
	t.bytesDone.Add(n)
	t.mu.Lock()
	if chunksDone > t.chunksDone {
		t.chunksDone = chunksDone
	}
	t.mu.Unlock()
}

// rewind resets the live counters at the start of a run before the
// resume point is re-derived.
func (t *Task) rewind(bytesDone int64, chunksDone int) {
	t.bytesDone.Store(bytesDone)
	t.mu.Lock()
	t.chunksDone = chunksDone
	t.mu.Unlock()
}

func (t *Task) setChecksum(checksum string) {
	t.mu.Lock()
	t.checksum = checksum
	t.mu.Unlock()
}
