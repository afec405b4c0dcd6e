package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, id, direction, status string) {
	t.Helper()

	err := store.SaveTransfer(TransferRecord{
		TransferID: id,
		Direction:  direction,
		LocalPath:  "/tmp/" + id + ".bin",
		RemoteName: id + ".bin",
		Filesize:   9_000_000,
		ChunkCount: 3,
		Status:     status,
	})
	if err != nil {
		t.Fatalf("save transfer %q: %v", id, err)
	}
}
