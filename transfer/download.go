package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"go.uber.org/zap"
)

// Metadata probes the backend for the size of a remote file.
func (e *Engine) Metadata(ctx context.Context, remoteName string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.downloadURL(remoteName), nil)
	if err != nil {
		return 0, fmt.Errorf("build metadata request: %w", err)
	}
	if err := e.authorize(ctx, req); err != nil {
		return 0, err
	}

	resp, err := e.options.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %q: %w", remoteName, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %q", ErrFileNotFound, remoteName)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("probe %q: unexpected status %d", remoteName, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("probe %q: backend did not report a size", remoteName)
	}
	return resp.ContentLength, nil
}

// Download starts a resumable download of a remote file into localPath
// and registers the task for progress polling.
func (e *Engine) Download(ctx context.Context, remoteName, localPath string) (*Task, error) {
	size, err := e.Metadata(ctx, remoteName)
	if err != nil {
		return nil, err
	}

	task := newTask(DirectionDownload, localPath, remoteName, size, chunkCount(size, e.options.ChunkSize))
	task.onStatus = e.statusHook(task)
	task.run = func(runCtx context.Context) error {
		return e.runDownload(runCtx, task)
	}

	e.persistRecord(task)
	e.registry.add(task)
	if err := task.start(); err != nil {
		return nil, err
	}

	e.options.Logger.Info("transfer: download started",
		zap.String("id", task.id),
		zap.String("remote", remoteName),
		zap.Int64("bytes", size),
		zap.Int("chunks", task.chunksTotal))
	return task, nil
}

func (e *Engine) runDownload(ctx context.Context, task *Task) error {
	file, err := os.OpenFile(task.localPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open destination file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	// Whatever is already on disk counts as downloaded, rounded down to a
	// chunk boundary so a torn final write is re-fetched.
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat destination file: %w", err)
	}
	chunkSize := int64(e.options.ChunkSize)
	resumeBytes := info.Size() - info.Size()%chunkSize
	if resumeBytes > task.bytesTotal {
		resumeBytes = 0
	}
	startChunk := int(resumeBytes / chunkSize)
	task.rewind(resumeBytes, startChunk)

	for index := startChunk; index < task.chunksTotal; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start, end := chunkRange(index, task.bytesTotal, e.options.ChunkSize)
		var data []byte
		err := e.withChunkRetry(ctx, index, func() error {
			fetched, fetchErr := e.fetchChunk(ctx, task.remoteName, start, end)
			if fetchErr != nil {
				return fetchErr
			}
			data = fetched
			return nil
		})
		if err != nil {
			return err
		}

		if _, err := file.WriteAt(data, start); err != nil {
			return fmt.Errorf("write chunk %d at offset %d: %w", index, start, err)
		}
		task.advance(int64(len(data)), index+1)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close destination file: %w", err)
	}

	final, err := os.Stat(task.localPath)
	if err != nil {
		return fmt.Errorf("stat finished file: %w", err)
	}
	if final.Size() != task.bytesTotal {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrIntegrityMismatch, final.Size(), task.bytesTotal)
	}

	checksum, err := fileChecksumHex(task.localPath)
	if err != nil {
		return err
	}
	e.persistChecksum(task, checksum)

	e.options.Logger.Info("transfer: download finished",
		zap.String("id", task.id),
		zap.String("checksum", checksum))
	return nil
}

func (e *Engine) fetchChunk(ctx context.Context, remoteName string, start, end int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.downloadURL(remoteName), nil)
	if err != nil {
		return nil, fmt.Errorf("build chunk request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	if err := e.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := e.options.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch range %d-%d: %w", start, end, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch range %d-%d: unexpected status %d", start, end, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chunk body: %w", err)
	}
	if want := end - start + 1; int64(len(data)) != want {
		return nil, fmt.Errorf("short chunk: got %d bytes, want %d", len(data), want)
	}
	return data, nil
}

func (e *Engine) downloadURL(remoteName string) string {
	return e.options.BaseURL + "/download/" + url.PathEscape(remoteName)
}
