package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// TransferRecord mirrors one row of the transfers ledger.
type TransferRecord struct {
	TransferID string
	Direction  string
	LocalPath  string
	RemoteName string
	Filesize   int64
	ChunkCount int
	Status     string
	Checksum   string
	CreatedAt  int64
	UpdatedAt  int64
}

// SaveTransfer inserts a transfer record, or refreshes everything but
// created_at when the ID already exists.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer ID is required")
	}

	now := time.Now().UnixMilli()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := s.db.Exec(`
INSERT INTO transfers (transfer_id, direction, local_path, remote_name, filesize, chunk_count, status, checksum, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(transfer_id) DO UPDATE SET
  direction   = excluded.direction,
  local_path  = excluded.local_path,
  remote_name = excluded.remote_name,
  filesize    = excluded.filesize,
  chunk_count = excluded.chunk_count,
  status      = excluded.status,
  checksum    = excluded.checksum,
  updated_at  = excluded.updated_at;
`, record.TransferID, record.Direction, record.LocalPath, record.RemoteName,
		record.Filesize, record.ChunkCount, record.Status, record.Checksum,
		record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save transfer: %w", err)
	}
	return nil
}

// UpdateTransferStatus moves a transfer to a new status.
func (s *Store) UpdateTransferStatus(transferID, status string) error {
	result, err := s.db.Exec(
		"UPDATE transfers SET status = ?, updated_at = ? WHERE transfer_id = ?;",
		status, time.Now().UnixMilli(), transferID)
	if err != nil {
		return fmt.Errorf("update transfer status: %w", err)
	}
	return requireRowAffected(result)
}

// SetTransferChecksum records the verified content hash of a finished transfer.
func (s *Store) SetTransferChecksum(transferID, checksum string) error {
	result, err := s.db.Exec(
		"UPDATE transfers SET checksum = ?, updated_at = ? WHERE transfer_id = ?;",
		checksum, time.Now().UnixMilli(), transferID)
	if err != nil {
		return fmt.Errorf("set transfer checksum: %w", err)
	}
	return requireRowAffected(result)
}

// GetTransfer fetches one transfer record.
func (s *Store) GetTransfer(transferID string) (TransferRecord, error) {
	row := s.db.QueryRow(`
SELECT transfer_id, direction, local_path, remote_name, filesize, chunk_count, status, checksum, created_at, updated_at
FROM transfers WHERE transfer_id = ?;`, transferID)

	var record TransferRecord
	err := row.Scan(&record.TransferID, &record.Direction, &record.LocalPath,
		&record.RemoteName, &record.Filesize, &record.ChunkCount,
		&record.Status, &record.Checksum, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TransferRecord{}, ErrNotFound
	}
	if err != nil {
		return TransferRecord{}, fmt.Errorf("get transfer: %w", err)
	}
	return record, nil
}

// ListTransfers returns transfer records, most recently touched first.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
SELECT transfer_id, direction, local_path, remote_name, filesize, chunk_count, status, checksum, created_at, updated_at
FROM transfers ORDER BY updated_at DESC, transfer_id LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(&record.TransferID, &record.Direction, &record.LocalPath,
			&record.RemoteName, &record.Filesize, &record.ChunkCount,
			&record.Status, &record.Checksum, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

// DeleteFinishedTransfers removes completed and failed rows and returns
// how many were dropped.
func (s *Store) DeleteFinishedTransfers() (int64, error) {
	result, err := s.db.Exec("DELETE FROM transfers WHERE status IN ('completed','failed');")
	if err != nil {
		return 0, fmt.Errorf("delete finished transfers: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted transfers: %w", err)
	}
	return affected, nil
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("count affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
