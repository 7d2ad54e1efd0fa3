// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/checkpoint"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	kv "github.com/AleutianAI/AleutianAccess/services/orchestrator/storage/badger"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key layout:
//
//	conv:{workspace}:{id}      -> domain.Conversation
//	convidx:{id}               -> workspace id
//	msg:{conversation}:{seq}   -> domain.ChatMessage, seq zero-padded to 16 digits
//	msgseq:{conversation}      -> last seq
const (
	prefixConversation = "conv"
	prefixConvIndex    = "convidx"
	prefixMessage      = "msg"
	prefixMessageSeq   = "msgseq"
)

// BadgerStore implements ConversationStore and MessageStore on BadgerDB.
//
// Thread Safety: safe for concurrent use. Writes run in badger
// transactions, which kv.DB.Update retries on conflict.
type BadgerStore struct {
	db    *kv.DB
	now   func() time.Time
	newID func() string
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *kv.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now, newID: uuid.NewString}
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%016d", seq)
}

// Get implements ConversationStore.
func (s *BadgerStore) Get(ctx context.Context, workspaceID, conversationID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		return kv.GetJSON(txn, kv.Key(prefixConversation, workspaceID, conversationID), &c)
	})
	if kv.IsNotFound(err) {
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, domain.Persistence("get conversation", err)
	}
	return &c, nil
}

// Insert implements ConversationStore.
func (s *BadgerStore) Insert(ctx context.Context, conversation *domain.Conversation) error {
	if err := ValidateConversation(conversation); err != nil {
		return err
	}
	c := conversation.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		exists, err := kv.Exists(txn, kv.Key(prefixConvIndex, c.ID))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("conversation %s already exists", c.ID)
		}
		if err := kv.SetJSON(txn, kv.Key(prefixConversation, c.WorkspaceID, c.ID), c); err != nil {
			return err
		}
		return txn.Set(kv.Key(prefixConvIndex, c.ID), []byte(c.WorkspaceID))
	})
	return domain.Persistence("insert conversation", err)
}

// Update implements ConversationStore.
func (s *BadgerStore) Update(ctx context.Context, workspaceID, conversationID string, update domain.ConversationUpdate) (*domain.Conversation, error) {
	var out domain.Conversation
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		key := kv.Key(prefixConversation, workspaceID, conversationID)
		var c domain.Conversation
		if err := kv.GetJSON(txn, key, &c); err != nil {
			return err
		}
		if err := c.Apply(update); err != nil {
			return err
		}
		out = c
		return kv.SetJSON(txn, key, &c)
	})
	switch {
	case err == nil:
		return &out, nil
	case kv.IsNotFound(err):
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	case errors.Is(err, domain.ErrTerminalConversation), errors.Is(err, domain.ErrInvalidStatusTransition):
		return nil, err
	default:
		return nil, domain.Persistence("update conversation", err)
	}
}

func (s *BadgerStore) newMessage(conversationID string, role domain.MessageRole, content string) domain.ChatMessage {
	return domain.ChatMessage{
		ID:             s.newID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now(),
	}
}

// Append implements MessageStore.
func (s *BadgerStore) Append(ctx context.Context, conversationID string, role domain.MessageRole, content string) (*domain.ChatMessage, error) {
	if !role.IsValid() {
		return nil, domain.NewValidationError("role", "unknown role %q", role)
	}
	msg := s.newMessage(conversationID, role, content)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		return appendMessage(txn, &msg)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, domain.Persistence("append message", err)
	}
	return &msg, nil
}

// appendMessage writes msg at the next sequence of its conversation.
func appendMessage(txn *badger.Txn, msg *domain.ChatMessage) error {
	exists, err := kv.Exists(txn, kv.Key(prefixConvIndex, msg.ConversationID))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: conversation %s", domain.ErrNotFound, msg.ConversationID)
	}
	seq, err := nextSeq(txn, kv.Key(prefixMessageSeq, msg.ConversationID))
	if err != nil {
		return err
	}
	return kv.SetJSON(txn, kv.Key(prefixMessage, msg.ConversationID, seqKey(seq)), msg)
}

// CommitTurn implements TurnWriter. Both messages and the checkpoint are
// written in one transaction.
func (s *BadgerStore) CommitTurn(ctx context.Context, rec TurnRecord) (*domain.ChatMessage, error) {
	human := s.newMessage(rec.ConversationID, domain.RoleHuman, rec.HumanText)
	reply := s.newMessage(rec.ConversationID, domain.RoleAI, rec.Reply)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		if err := appendMessage(txn, &human); err != nil {
			return err
		}
		if err := appendMessage(txn, &reply); err != nil {
			return err
		}
		_, err := checkpoint.AppendTxn(txn, rec.WorkspaceID, rec.ThreadID, rec.Snapshot, rec.Parent, s.now())
		return err
	})
	observability.RecordCheckpointAppend(err == nil)
	switch {
	case err == nil:
		return &reply, nil
	case errors.Is(err, domain.ErrNotFound), checkpoint.IsContractError(err):
		return nil, err
	default:
		return nil, domain.Persistence("commit turn", err)
	}
}

// nextSeq increments and returns the counter stored at key, starting at 1.
func nextSeq(txn *badger.Txn, key []byte) (uint64, error) {
	var last uint64
	item, err := txn.Get(key)
	switch {
	case kv.IsNotFound(err):
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(val []byte) error {
			n, perr := strconv.ParseUint(string(val), 10, 64)
			last = n
			return perr
		}); err != nil {
			return 0, err
		}
	}
	next := last + 1
	return next, txn.Set(key, []byte(strconv.FormatUint(next, 10)))
}

// List implements MessageStore.
func (s *BadgerStore) List(ctx context.Context, conversationID string) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		prefix := kv.Prefix(prefixMessage, conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg domain.ChatMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, domain.Persistence("list messages", err)
	}
	return out, nil
}

var (
	_ ConversationStore = (*BadgerStore)(nil)
	_ MessageStore      = (*BadgerStore)(nil)
	_ TurnWriter        = (*BadgerStore)(nil)
)
