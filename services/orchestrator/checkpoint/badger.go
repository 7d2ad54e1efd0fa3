// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	kv "github.com/AleutianAI/AleutianAccess/services/orchestrator/storage/badger"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Key layout: ckpt:{workspace}:{thread}:{seq} with seq zero-padded to 16
// digits, so lexical order is sequence order.
const prefixCheckpoint = "ckpt"

// frameHeaderSize is the CRC32 prefix of every stored value.
const frameHeaderSize = 4

// BadgerCheckpointer stores chains in BadgerDB.
//
// Description:
//
//	Values are framed as a big-endian CRC32 (IEEE) of the payload followed
//	by the JSON-encoded Checkpoint. A frame whose checksum does not match
//	is reported as ErrCorrupt instead of being decoded. Append reads the
//	latest sequence and writes the next one in the same transaction, and
//	kv.DB.Update retries on conflict, so two writers on one thread cannot
//	both succeed with the same parent.
//
// Thread Safety: safe for concurrent use.
type BadgerCheckpointer struct {
	db     *kv.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewBadgerCheckpointer wraps an open database.
func NewBadgerCheckpointer(db *kv.DB, logger *slog.Logger) *BadgerCheckpointer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerCheckpointer{db: db, now: time.Now, logger: logger.With("component", "checkpointer")}
}

func checkpointKey(workspaceID, threadID string, seq uint64) []byte {
	return kv.Key(prefixCheckpoint, workspaceID, threadID, fmt.Sprintf("%016d", seq))
}

func encodeFrame(cp *Checkpoint) ([]byte, error) {
	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

func decodeFrame(frame []byte) (*Checkpoint, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("%w: short frame", ErrCorrupt)
	}
	payload := frame[frameHeaderSize:]
	if binary.BigEndian.Uint32(frame) != crc32.ChecksumIEEE(payload) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cp.Snapshot.Version > SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, cp.Snapshot.Version)
	}
	return &cp, nil
}

func readItem(item *badger.Item) (*Checkpoint, error) {
	var cp *Checkpoint
	err := item.Value(func(val []byte) error {
		var derr error
		cp, derr = decodeFrame(val)
		return derr
	})
	return cp, err
}

// latest seeks to the last key under the thread prefix.
func latest(txn *badger.Txn, workspaceID, threadID string) (*Checkpoint, error) {
	prefix := kv.Prefix(prefixCheckpoint, workspaceID, threadID)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(append(append([]byte{}, prefix...), 0xFF))
	if !it.ValidForPrefix(prefix) {
		return nil, nil
	}
	return readItem(it.Item())
}

// AppendTxn writes the thread's next checkpoint inside txn so callers can
// commit it together with other keys. parent must be the latest sequence
// as seen by txn.
func AppendTxn(txn *badger.Txn, workspaceID, threadID string, snapshot StateSnapshot, parent uint64, now time.Time) (*Checkpoint, error) {
	if err := validateThread(workspaceID, threadID); err != nil {
		return nil, err
	}
	snapshot, err := Normalize(snapshot)
	if err != nil {
		return nil, err
	}
	head, err := latest(txn, workspaceID, threadID)
	if err != nil {
		return nil, err
	}
	var headSeq uint64
	if head != nil {
		headSeq = head.Seq
	}
	if parent != headSeq {
		return nil, fmt.Errorf("%w: got %d, latest is %d", ErrParentMismatch, parent, headSeq)
	}
	// Reading the next key registers it with conflict detection, so a
	// concurrent writer of the same sequence fails to commit.
	nextKey := checkpointKey(workspaceID, threadID, headSeq+1)
	taken, err := kv.Exists(txn, nextKey)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: sequence %d already written", ErrParentMismatch, headSeq+1)
	}
	cp := &Checkpoint{
		WorkspaceID: workspaceID,
		ThreadID:    threadID,
		Seq:         headSeq + 1,
		Parent:      headSeq,
		Snapshot:    snapshot,
		CreatedAt:   now.UTC(),
	}
	frame, err := encodeFrame(cp)
	if err != nil {
		return nil, err
	}
	if err := txn.Set(nextKey, frame); err != nil {
		return nil, err
	}
	return cp, nil
}

// GetLatest implements Checkpointer.
func (b *BadgerCheckpointer) GetLatest(ctx context.Context, workspaceID, threadID string) (*Checkpoint, error) {
	if err := validateThread(workspaceID, threadID); err != nil {
		return nil, err
	}
	var cp *Checkpoint
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		cp, err = latest(txn, workspaceID, threadID)
		return err
	})
	if err != nil {
		return nil, wrapStoreErr("get latest checkpoint", err)
	}
	return cp, nil
}

// Append implements Checkpointer.
func (b *BadgerCheckpointer) Append(ctx context.Context, workspaceID, threadID string, snapshot StateSnapshot, parent uint64) (*Checkpoint, error) {
	if err := validateThread(workspaceID, threadID); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("checkpoint").Start(ctx, "checkpoint.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.String("thread_id", threadID),
		attribute.Int64("parent", int64(parent)),
	)

	var written *Checkpoint
	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		var err error
		written, err = AppendTxn(txn, workspaceID, threadID, snapshot, parent, b.now())
		return err
	})
	observability.RecordCheckpointAppend(err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, wrapStoreErr("append checkpoint", err)
	}
	span.SetAttributes(attribute.Int64("seq", int64(written.Seq)))
	b.logger.Debug("checkpoint appended", "workspace_id", workspaceID, "thread_id", threadID, "seq", written.Seq)
	return written, nil
}

// Get implements Checkpointer.
func (b *BadgerCheckpointer) Get(ctx context.Context, workspaceID, threadID string, seq uint64) (*Checkpoint, error) {
	if err := validateThread(workspaceID, threadID); err != nil {
		return nil, err
	}
	var cp *Checkpoint
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(workspaceID, threadID, seq))
		if err != nil {
			return err
		}
		cp, err = readItem(item)
		return err
	})
	if kv.IsNotFound(err) {
		return nil, notFound(threadID, seq)
	}
	if err != nil {
		return nil, wrapStoreErr("get checkpoint", err)
	}
	return cp, nil
}

// IsContractError reports whether err is a checkpoint contract violation
// (parent mismatch, corruption, unknown version, invalid thread) rather
// than a storage failure.
func IsContractError(err error) bool {
	return errors.Is(err, ErrParentMismatch) || errors.Is(err, ErrCorrupt) ||
		errors.Is(err, ErrUnsupportedVersion) || errors.Is(err, domain.ErrValidation)
}

// wrapStoreErr leaves contract errors alone and marks the rest as
// persistence failures.
func wrapStoreErr(op string, err error) error {
	if IsContractError(err) {
		return err
	}
	return domain.Persistence(op, err)
}

var _ Checkpointer = (*BadgerCheckpointer)(nil)
