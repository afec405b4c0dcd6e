package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"cpenlink/storage"
)

const (
	// DefaultChunkSize is the fixed transfer unit.
	DefaultChunkSize = 4 << 20
	// DefaultMaxChunkAttempts bounds per-chunk retries.
	DefaultMaxChunkAttempts = 3
	// DefaultRetryBackoff is the wait between chunk attempts.
	DefaultRetryBackoff = time.Second
)

var (
	// ErrFileNotFound is returned when the backend has no such remote file.
	ErrFileNotFound = errors.New("transfer: remote file not found")
	// ErrChunkFailed is returned when a chunk exhausts its retry budget.
	ErrChunkFailed = errors.New("transfer: chunk failed")
	// ErrIntegrityMismatch is returned when a finished transfer fails verification.
	ErrIntegrityMismatch = errors.New("transfer: integrity mismatch")
)

// Options configures an Engine.
type Options struct {
	// BaseURL is the backend root, without a trailing slash.
	BaseURL string
	// Source supplies the pen credential attached to every request.
	Source CredentialSource
	// Store persists the transfer ledger. Optional.
	Store *storage.Store

	Logger           *zap.Logger
	HTTPClient       *http.Client
	ChunkSize        int
	MaxChunkAttempts int
	RetryBackoff     time.Duration
}

func (o Options) withDefaults() (Options, error) {
	if strings.TrimSpace(o.BaseURL) == "" {
		return o, errors.New("backend base URL is required")
	}
	if o.Source == nil {
		return o, errors.New("credential source is required")
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxChunkAttempts <= 0 {
		o.MaxChunkAttempts = DefaultMaxChunkAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	return o, nil
}

// Engine runs chunked resumable transfers against the storage backend.
type Engine struct {
	options  Options
	registry *Registry
}

// NewEngine validates options and returns a ready engine.
func NewEngine(options Options) (*Engine, error) {
	options, err := options.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Engine{options: options, registry: newRegistry()}, nil
}

// Registry exposes the live task set.
func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) authorize(ctx context.Context, req *http.Request) error {
	cred, err := e.options.Source.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("obtain pen credentials: %w", err)
	}
	value, err := Authorization(cred)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", value)
	return nil
}

// withChunkRetry runs fn up to MaxChunkAttempts times with backoff between
// attempts. Context cancellation aborts without consuming the budget.
func (e *Engine) withChunkRetry(ctx context.Context, index int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < e.options.MaxChunkAttempts; attempt++ {
		if attempt > 0 {
			e.options.Logger.Warn("transfer: retrying chunk",
				zap.Int("chunk", index),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))
			if err := sleep(ctx, e.options.RetryBackoff); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
	}
	return fmt.Errorf("%w: chunk %d after %d attempts: %w",
		ErrChunkFailed, index, e.options.MaxChunkAttempts, lastErr)
}

func (e *Engine) persistRecord(task *Task) {
	if e.options.Store == nil {
		return
	}
	err := e.options.Store.SaveTransfer(storage.TransferRecord{
		TransferID: task.id,
		Direction:  task.direction,
		LocalPath:  task.localPath,
		RemoteName: task.remoteName,
		Filesize:   task.bytesTotal,
		ChunkCount: task.chunksTotal,
		Status:     string(StatusPending),
	})
	if err != nil {
		e.options.Logger.Warn("transfer: persist ledger record", zap.Error(err))
	}
}

func (e *Engine) statusHook(task *Task) func(Status) {
	if e.options.Store == nil {
		return nil
	}
	return func(status Status) {
		if err := e.options.Store.UpdateTransferStatus(task.id, string(status)); err != nil &&
			!errors.Is(err, storage.ErrNotFound) {
			e.options.Logger.Warn("transfer: update ledger status", zap.Error(err))
		}
	}
}

func (e *Engine) persistChecksum(task *Task, checksum string) {
	task.setChecksum(checksum)
	if e.options.Store == nil {
		return
	}
	if err := e.options.Store.SetTransferChecksum(task.id, checksum); err != nil &&
		!errors.Is(err, storage.ErrNotFound) {
		e.options.Logger.Warn("transfer: persist checksum", zap.Error(err))
	}
}
