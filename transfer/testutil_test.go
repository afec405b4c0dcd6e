package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type finishCall struct {
	UploadID    string
	Filename    string
	TotalChunks int
	TargetPath  string
}

// fakeBackend emulates the storage service: ranged downloads plus the
// multipart upload session endpoints.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	files        map[string][]byte
	uploads      map[string]map[int][]byte
	nextUploadID int

	// presetChunks seeds every new upload session with already-accepted
	// chunk data, simulating a resumed session.
	presetChunks map[int][]byte

	failFetches int
	failUploads int
	chunkDelay  time.Duration

	authHeaders    []string
	rangesServed   []string
	chunksPosted   []int
	finishCalls    []finishCall
	finishChecksum string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	backend := &fakeBackend{
		t:       t,
		files:   make(map[string][]byte),
		uploads: make(map[string]map[int][]byte),
	}
	backend.server = httptest.NewServer(http.HandlerFunc(backend.handle))
	t.Cleanup(backend.server.Close)
	return backend
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.authHeaders = append(b.authHeaders, r.Header.Get("Authorization"))
	b.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/download/"):
		b.handleDownload(w, r)
	case r.URL.Path == "/upload/init":
		b.handleUploadInit(w, r)
	case strings.HasPrefix(r.URL.Path, "/upload/status/"):
		b.handleUploadStatus(w, r)
	case r.URL.Path == "/upload/chunk":
		b.handleUploadChunk(w, r)
	case r.URL.Path == "/upload/finish":
		b.handleUploadFinish(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) handleDownload(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/download/"))
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	data, ok := b.files[name]
	b.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		return
	}

	var start, end int
	if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
		http.Error(w, "missing range", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.rangesServed = append(b.rangesServed, fmt.Sprintf("%d-%d", start, end))
	shouldFail := b.failFetches > 0
	if shouldFail {
		b.failFetches--
	}
	delay := b.chunkDelay
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if shouldFail {
		http.Error(w, "flaky", http.StatusInternalServerError)
		return
	}
	if start < 0 || end >= len(data) || start > end {
		http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(data[start : end+1])
}

func (b *fakeBackend) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Filename == "" {
		http.Error(w, "bad init", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.nextUploadID++
	id := fmt.Sprintf("up-%d", b.nextUploadID)
	chunks := make(map[int][]byte)
	for index, data := range b.presetChunks {
		chunks[index] = data
	}
	b.uploads[id] = chunks
	b.mu.Unlock()

	writeJSON(w, map[string]string{"upload_id": id})
}

func (b *fakeBackend) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/upload/status/")

	b.mu.Lock()
	chunks, ok := b.uploads[id]
	indices := make([]int, 0, len(chunks))
	for index := range chunks {
		indices = append(indices, index)
	}
	b.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string][]int{"uploaded_chunks": indices})
}

func (b *fakeBackend) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("upload_id")
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		http.Error(w, "bad index", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	shouldFail := b.failUploads > 0
	if shouldFail {
		b.failUploads--
	}
	delay := b.chunkDelay
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if shouldFail {
		http.Error(w, "flaky", http.StatusInternalServerError)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer func() {
		_ = file.Close()
	}()
	if want := fmt.Sprintf("chunk_%04d", index); header.Filename != want {
		http.Error(w, "bad chunk filename", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read chunk", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	chunks, ok := b.uploads[id]
	if ok {
		chunks[index] = data
		b.chunksPosted = append(b.chunksPosted, index)
	}
	b.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (b *fakeBackend) handleUploadFinish(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	totalChunks, _ := strconv.Atoi(query.Get("total_chunks"))
	call := finishCall{
		UploadID:    query.Get("upload_id"),
		Filename:    query.Get("filename"),
		TotalChunks: totalChunks,
		TargetPath:  query.Get("target_path"),
	}

	b.mu.Lock()
	chunks, ok := b.uploads[call.UploadID]
	b.finishCalls = append(b.finishCalls, call)
	assembled := make([]byte, 0)
	for index := 0; index < totalChunks; index++ {
		assembled = append(assembled, chunks[index]...)
	}
	forcedChecksum := b.finishChecksum
	b.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	checksum := forcedChecksum
	if checksum == "" {
		sum := sha256.Sum256(assembled)
		checksum = hex.EncodeToString(sum[:])
	}
	writeJSON(w, map[string]string{"checksum": checksum})
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func (b *fakeBackend) assembledUpload(id string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	chunks := b.uploads[id]
	indices := make([]int, 0, len(chunks))
	for index := range chunks {
		indices = append(indices, index)
	}
	assembled := make([]byte, 0)
	for index := 0; index <= maxIndex(indices); index++ {
		assembled = append(assembled, chunks[index]...)
	}
	return assembled
}

func maxIndex(indices []int) int {
	highest := -1
	for _, index := range indices {
		if index > highest {
			highest = index
		}
	}
	return highest
}

func testCredentials() CredentialSource {
	return CredentialFunc(func(ctx context.Context) (Credential, error) {
		return Credential{DeviceID: "pen-0042", Totp: "123456"}, nil
	})
}

func newTestEngine(t *testing.T, backend *fakeBackend, chunkSize int) *Engine {
	t.Helper()

	engine, err := NewEngine(Options{
		BaseURL:          backend.server.URL,
		Source:           testCredentials(),
		Logger:           zap.NewNop(),
		ChunkSize:        chunkSize,
		MaxChunkAttempts: 3,
		RetryBackoff:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	return engine
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func patternBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
