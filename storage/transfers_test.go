package storage

import (
	"errors"
	"testing"
	"time"
)

func TestSaveAndGetTransfer(t *testing.T) {
	store := newTestStore(t)

	mustSaveTransfer(t, store, "t-1", "download", "pending")

	record, err := store.GetTransfer("t-1")
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if record.Direction != "download" {
		t.Fatalf("direction = %q, want download", record.Direction)
	}
	if record.Filesize != 9_000_000 || record.ChunkCount != 3 {
		t.Fatalf("unexpected size fields: %d bytes, %d chunks", record.Filesize, record.ChunkCount)
	}
	if record.CreatedAt == 0 || record.UpdatedAt == 0 {
		t.Fatalf("timestamps not set: created=%d updated=%d", record.CreatedAt, record.UpdatedAt)
	}
}

func TestGetTransferMissing(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetTransfer("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveTransferUpsertKeepsCreatedAt(t *testing.T) {
	store := newTestStore(t)

	mustSaveTransfer(t, store, "t-up", "upload", "pending")
	first, err := store.GetTransfer("t-up")
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	mustSaveTransfer(t, store, "t-up", "upload", "running")

	second, err := store.GetTransfer("t-up")
	if err != nil {
		t.Fatalf("get transfer after upsert: %v", err)
	}
	if second.Status != "running" {
		t.Fatalf("status = %q, want running", second.Status)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Fatalf("created_at changed on upsert: %d -> %d", first.CreatedAt, second.CreatedAt)
	}
	if second.UpdatedAt <= first.UpdatedAt {
		t.Fatalf("updated_at did not advance: %d -> %d", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestSaveTransferRequiresID(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveTransfer(TransferRecord{Direction: "download"}); err == nil {
		t.Fatal("expected error for empty transfer ID")
	}
}

func TestUpdateTransferStatus(t *testing.T) {
	store := newTestStore(t)

	mustSaveTransfer(t, store, "t-status", "download", "running")
	if err := store.UpdateTransferStatus("t-status", "paused"); err != nil {
		t.Fatalf("update status: %v", err)
	}

	record, err := store.GetTransfer("t-status")
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if record.Status != "paused" {
		t.Fatalf("status = %q, want paused", record.Status)
	}

	if err := store.UpdateTransferStatus("nope", "failed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown ID, got %v", err)
	}
}

func TestSetTransferChecksum(t *testing.T) {
	store := newTestStore(t)

	mustSaveTransfer(t, store, "t-sum", "download", "completed")
	if err := store.SetTransferChecksum("t-sum", "deadbeef"); err != nil {
		t.Fatalf("set checksum: %v", err)
	}

	record, err := store.GetTransfer("t-sum")
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if record.Checksum != "deadbeef" {
		t.Fatalf("checksum = %q, want deadbeef", record.Checksum)
	}

	if err := store.SetTransferChecksum("nope", "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown ID, got %v", err)
	}
}

func TestListTransfersOrdersByRecency(t *testing.T) {
	store := newTestStore(t)

	mustSaveTransfer(t, store, "t-old", "download", "completed")
	time.Sleep(2 * time.Millisecond)
	mustSaveTransfer(t, store, "t-mid", "upload", "running")
	time.Sleep(2 * time.Millisecond)
	if err := store.UpdateTransferStatus("t-old", "failed"); err != nil {
		t.Fatalf("touch t-old: %v", err)
	}

	records, err := store.ListTransfers(0)
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("listed %d records, want 2", len(records))
	}
	if records[0].TransferID != "t-old" || records[1].TransferID != "t-mid" {
		t.Fatalf("unexpected order: %q, %q", records[0].TransferID, records[1].TransferID)
	}

	limited, err := store.ListTransfers(1)
	if err != nil {
		t.Fatalf("list transfers with limit: %v", err)
	}
	if len(limited) != 1 || limited[0].TransferID != "t-old" {
		t.Fatalf("limited list wrong: %+v", limited)
	}
}

func TestDeleteFinishedTransfers(t *testing.T) {
	store := newTestStore(t)

	mustSaveTransfer(t, store, "t-done", "download", "completed")
	mustSaveTransfer(t, store, "t-bad", "upload", "failed")
	mustSaveTransfer(t, store, "t-live", "download", "running")

	deleted, err := store.DeleteFinishedTransfers()
	if err != nil {
		t.Fatalf("delete finished: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted %d rows, want 2", deleted)
	}

	if _, err := store.GetTransfer("t-done"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("completed row survived cleanup: %v", err)
	}
	if _, err := store.GetTransfer("t-live"); err != nil {
		t.Fatalf("running row was removed: %v", err)
	}
}
