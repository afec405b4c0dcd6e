package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// uploadSession carries the backend session ID across pause/resume runs.
// The backend owns the accepted-chunk set, so finishing is safe to retry.
type uploadSession struct {
	mu sync.Mutex
	id string
}

// Upload starts a resumable upload of localPath and registers the task.
// targetPath is handed to the backend at finalization and may be empty.
func (e *Engine) Upload(ctx context.Context, localPath, targetPath string) (*Task, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source path %q is a directory", localPath)
	}

	filename := filepath.Base(localPath)
	task := newTask(DirectionUpload, localPath, filename, info.Size(), chunkCount(info.Size(), e.options.ChunkSize))
	task.onStatus = e.statusHook(task)

	session := &uploadSession{}
	task.run = func(runCtx context.Context) error {
		return e.runUpload(runCtx, task, session, filename, targetPath)
	}

	e.persistRecord(task)
	e.registry.add(task)
	if err := task.start(); err != nil {
		return nil, err
	}

	e.options.Logger.Info("transfer: upload started",
		zap.String("id", task.id),
		zap.String("file", filename),
		zap.Int64("bytes", info.Size()),
		zap.Int("chunks", task.chunksTotal))
	return task, nil
}

func (e *Engine) runUpload(ctx context.Context, task *Task, session *uploadSession, filename, targetPath string) error {
	session.mu.Lock()
	if session.id == "" {
		id, err := e.initUpload(ctx, filename, task.bytesTotal)
		if err != nil {
			session.mu.Unlock()
			return err
		}
		session.id = id
	}
	uploadID := session.id
	session.mu.Unlock()

	uploaded, err := e.uploadedChunks(ctx, uploadID)
	if err != nil {
		return err
	}

	file, err := os.Open(task.localPath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	task.rewind(0, 0)
	for index := 0; index < task.chunksTotal; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start, end := chunkRange(index, task.bytesTotal, e.options.ChunkSize)
		length := end - start + 1
		if uploaded[index] {
			task.advance(length, index+1)
			continue
		}

		data, err := readFileChunk(file, start, int(length))
		if err != nil {
			return err
		}
		err = e.withChunkRetry(ctx, index, func() error {
			return e.uploadChunk(ctx, uploadID, index, data)
		})
		if err != nil {
			return err
		}
		task.advance(length, index+1)
	}

	remoteChecksum, err := e.finishUpload(ctx, uploadID, filename, task.chunksTotal, targetPath)
	if err != nil {
		return err
	}

	checksum, err := fileChecksumHex(task.localPath)
	if err != nil {
		return err
	}
	if remoteChecksum != "" && !strings.EqualFold(remoteChecksum, checksum) {
		return fmt.Errorf("%w: local %s, backend %s", ErrIntegrityMismatch, checksum, remoteChecksum)
	}
	e.persistChecksum(task, checksum)

	e.options.Logger.Info("transfer: upload finished",
		zap.String("id", task.id),
		zap.String("upload_id", uploadID),
		zap.String("checksum", checksum))
	return nil
}

func (e *Engine) initUpload(ctx context.Context, filename string, size int64) (string, error) {
	payload, err := json.Marshal(struct {
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	}{Filename: filename, Size: size})
	if err != nil {
		return "", fmt.Errorf("encode upload init: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.options.BaseURL+"/upload/init", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build upload init request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := e.authorize(ctx, req); err != nil {
		return "", err
	}

	resp, err := e.options.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("init upload: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("init upload: unexpected status %d", resp.StatusCode)
	}

	var reply struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("decode upload init reply: %w", err)
	}
	if reply.UploadID == "" {
		return "", fmt.Errorf("init upload: backend returned no upload ID")
	}
	return reply.UploadID, nil
}

func (e *Engine) uploadedChunks(ctx context.Context, uploadID string) (map[int]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.options.BaseURL+"/upload/status/"+url.PathEscape(uploadID), nil)
	if err != nil {
		return nil, fmt.Errorf("build upload status request: %w", err)
	}
	if err := e.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := e.options.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query upload status: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("query upload status: unexpected status %d", resp.StatusCode)
	}

	var reply struct {
		UploadedChunks []int `json:"uploaded_chunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode upload status reply: %w", err)
	}

	uploaded := make(map[int]bool, len(reply.UploadedChunks))
	for _, index := range reply.UploadedChunks {
		uploaded[index] = true
	}
	return uploaded, nil
}

func (e *Engine) uploadChunk(ctx context.Context, uploadID string, index int, data []byte) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", fmt.Sprintf("chunk_%04d", index))
	if err != nil {
		return fmt.Errorf("build multipart chunk: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write multipart chunk: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart chunk: %w", err)
	}

	query := url.Values{}
	query.Set("upload_id", uploadID)
	query.Set("index", strconv.Itoa(index))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.options.BaseURL+"/upload/chunk?"+query.Encode(), body)
	if err != nil {
		return fmt.Errorf("build chunk upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if err := e.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := e.options.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload chunk %d: %w", index, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload chunk %d: unexpected status %d", index, resp.StatusCode)
	}
	return nil
}

// finishUpload materializes the object on the backend. Returns the
// backend's checksum of the assembled object when it reports one.
func (e *Engine) finishUpload(ctx context.Context, uploadID, filename string, totalChunks int, targetPath string) (string, error) {
	query := url.Values{}
	query.Set("upload_id", uploadID)
	query.Set("filename", filename)
	query.Set("total_chunks", strconv.Itoa(totalChunks))
	query.Set("target_path", targetPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.options.BaseURL+"/upload/finish?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build upload finish request: %w", err)
	}
	if err := e.authorize(ctx, req); err != nil {
		return "", err
	}

	resp, err := e.options.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("finish upload: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("finish upload: unexpected status %d", resp.StatusCode)
	}

	var reply struct {
		Checksum string `json:"checksum"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		// The completion confirmation does not have to carry a body.
		return "", nil
	}
	return reply.Checksum, nil
}
