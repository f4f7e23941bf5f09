package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
)

// ErrNotFound is returned for lookups of absent messages or conversations.
var ErrNotFound = errors.New("store: not found")

// Store is the on-device durable table of messages, the single source the
// reader observes. It owns no business logic beyond CRUD plus the change
// feed; every other component reads and writes through it. Mutations are
// atomic per message record.
type Store struct {
	db  *pebble.DB
	log *zap.Logger

	feed feed
}

// Open opens (or creates) a pebble database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("opening_pebble_db", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// Ready reports whether the database is open.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// Close closes the database and all feed subscriptions.
func (s *Store) Close() error {
	s.feed.closeAll()
	if err := s.db.Close(); err != nil {
		return err
	}
	s.log.Info("pebble_closed")
	return nil
}

// Key layout:
//
//	conv:<convID>:meta                      conversation metadata
//	conv:<convID>:msg:<padded_ts>-<msgID>   message record (display order)
//	msgid:<msgID>                           -> primary key bytes
//
// The padded-timestamp prefix makes a plain prefix scan yield messages in
// creation order, ties broken by id, matching models.Less.
func msgKey(conv string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("conv:%s:msg:%020d-%s", conv, ts, id))
}

func msgPrefix(conv string) []byte {
	return []byte("conv:" + conv + ":msg:")
}

func idKey(id string) []byte { return []byte("msgid:" + id) }

func convKey(conv string) []byte { return []byte("conv:" + conv + ":meta") }

// UpsertMessage inserts or replaces the record with m.ID. An existing
// record keeps its primary key so its timeline position is stable across
// edits, receipts and reaction updates.
func (s *Store) UpsertMessage(m models.Message) error {
	if m.ID == "" || m.Conv == "" {
		return fmt.Errorf("store: message id and conv required")
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UTC().UnixNano()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}

	primary, existed, err := s.primaryKey(m.ID)
	if err != nil {
		return err
	}
	if !existed {
		primary = msgKey(m.Conv, m.CreatedAt, m.ID)
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(primary, data, nil)
	_ = b.Set(idKey(m.ID), primary, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		s.log.Error("save_message_failed", zap.String("conv", m.Conv), zap.String("id", m.ID), zap.Error(err))
		return err
	}

	kind := ChangeInsert
	op := "insert"
	if existed {
		kind = ChangeUpdate
		op = "update"
	}
	metrics.StoreOpsTotal.WithLabelValues(op).Inc()
	s.log.Debug("message_saved", zap.String("conv", m.Conv), zap.String("id", m.ID), zap.String("op", op))
	s.feed.publish(Change{Kind: kind, Conv: m.Conv, Msg: m})
	return nil
}

// ReplaceMessage atomically removes the record oldID and inserts m. It is
// how an optimistic record is swapped for its confirmed twin: one batch,
// never a window where both or neither exist.
func (s *Store) ReplaceMessage(oldID string, m models.Message) error {
	old, err := s.GetMessage(oldID)
	if err != nil {
		return err
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = old.CreatedAt
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}
	oldPrimary, _, err := s.primaryKey(oldID)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	newPrimary := msgKey(m.Conv, m.CreatedAt, m.ID)
	_ = b.Delete(oldPrimary, nil)
	_ = b.Delete(idKey(oldID), nil)
	_ = b.Set(newPrimary, data, nil)
	_ = b.Set(idKey(m.ID), newPrimary, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		s.log.Error("replace_message_failed", zap.String("old", oldID), zap.String("new", m.ID), zap.Error(err))
		return err
	}
	metrics.StoreOpsTotal.WithLabelValues("replace").Inc()
	s.log.Debug("message_replaced", zap.String("old", oldID), zap.String("new", m.ID))
	s.feed.publish(Change{Kind: ChangeDelete, Conv: old.Conv, Msg: old})
	s.feed.publish(Change{Kind: ChangeInsert, Conv: m.Conv, Msg: m})
	return nil
}

// DeleteMessage removes the record by id. Returns ErrNotFound when absent.
func (s *Store) DeleteMessage(id string) error {
	m, err := s.GetMessage(id)
	if err != nil {
		return err
	}
	primary, _, err := s.primaryKey(id)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(primary, nil)
	_ = b.Delete(idKey(id), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		s.log.Error("delete_message_failed", zap.String("id", id), zap.Error(err))
		return err
	}
	metrics.StoreOpsTotal.WithLabelValues("delete").Inc()
	s.feed.publish(Change{Kind: ChangeDelete, Conv: m.Conv, Msg: m})
	return nil
}

// GetMessage returns the record with the given id.
func (s *Store) GetMessage(id string) (models.Message, error) {
	primary, existed, err := s.primaryKey(id)
	if err != nil {
		return models.Message{}, err
	}
	if !existed {
		return models.Message{}, ErrNotFound
	}
	v, closer, err := s.db.Get(primary)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, err
	}
	defer closer.Close()
	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return models.Message{}, fmt.Errorf("store: invalid stored message %s: %w", id, err)
	}
	return m, nil
}

// HasMessage reports whether a record with the given id exists.
func (s *Store) HasMessage(id string) (bool, error) {
	_, existed, err := s.primaryKey(id)
	return existed, err
}

// ListMessages returns all messages of a conversation in display order.
func (s *Store) ListMessages(conv string) ([]models.Message, error) {
	prefix := msgPrefix(conv)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			s.log.Error("list_invalid_message_json", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// ListRecent returns the newest limit messages in display order, plus a
// flag reporting whether older local history exists beyond the returned
// window. limit <= 0 returns everything.
func (s *Store) ListRecent(conv string, limit int) ([]models.Message, bool, error) {
	msgs, err := s.ListMessages(conv)
	if err != nil {
		return nil, false, err
	}
	if limit <= 0 || len(msgs) <= limit {
		return msgs, false, nil
	}
	return msgs[len(msgs)-limit:], true, nil
}

// OldestMessage returns the oldest locally-stored message of a conversation.
func (s *Store) OldestMessage(conv string) (models.Message, error) {
	prefix := msgPrefix(conv)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return models.Message{}, err
	}
	defer iter.Close()
	if iter.SeekGE(prefix); !iter.Valid() || !bytes.HasPrefix(iter.Key(), prefix) {
		return models.Message{}, ErrNotFound
	}
	var m models.Message
	if err := json.Unmarshal(iter.Value(), &m); err != nil {
		return models.Message{}, err
	}
	return m, nil
}

// SaveConversation stores conversation metadata under its reserved key.
func (s *Store) SaveConversation(c models.Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("store: conversation id required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.db.Set(convKey(c.ID), data, pebble.Sync); err != nil {
		s.log.Error("save_conversation_failed", zap.String("conv", c.ID), zap.Error(err))
		return err
	}
	return nil
}

// GetConversation returns stored conversation metadata.
func (s *Store) GetConversation(id string) (models.Conversation, error) {
	v, closer, err := s.db.Get(convKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Conversation{}, ErrNotFound
		}
		return models.Conversation{}, err
	}
	defer closer.Close()
	var c models.Conversation
	if err := json.Unmarshal(v, &c); err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

// ListConversations returns all stored conversation metadata records.
func (s *Store) ListConversations() ([]models.Conversation, error) {
	prefix := []byte("conv:")
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Conversation
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !bytes.HasSuffix(iter.Key(), []byte(":meta")) {
			continue
		}
		var c models.Conversation
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, iter.Error()
}

func (s *Store) primaryKey(id string) ([]byte, bool, error) {
	v, closer, err := s.db.Get(idKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	key := append([]byte(nil), v...)
	return key, true, nil
}
