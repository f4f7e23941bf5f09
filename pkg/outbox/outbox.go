// Package outbox drives the message send state machine: user intents
// become optimistic local records, remote writes confirm or fail them, and
// every remote failure triggers a deterministic rollback of the local
// state. Local mutations always land before the remote call.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatsync/pkg/ids"
	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
	"chatsync/pkg/remote"
	"chatsync/pkg/store"
)

// UnsendWindow is how long after creation a message may still be unsent.
// The remote store re-validates this authoritatively.
const UnsendWindow = 15 * time.Minute

var (
	// ErrEmptyMessage rejects sends/edits with no content before any
	// remote call.
	ErrEmptyMessage = errors.New("outbox: message has no content")
	// ErrAlreadyUnsent rejects edits/unsends of soft-deleted messages.
	ErrAlreadyUnsent = errors.New("outbox: message already unsent")
	// ErrUnsendWindow rejects unsends past the window (local pre-check).
	ErrUnsendWindow = errors.New("outbox: unsend window expired")
	// ErrNotFailed rejects retry/dismiss of records not in failed state.
	ErrNotFailed = errors.New("outbox: message is not in failed state")
)

const (
	attachImage = "image"
	attachAudio = "audio"
)

// Manager turns send/edit/unsend/retry/dismiss/reaction intents into local
// and remote state transitions.
type Manager struct {
	st     *store.Store
	remote remote.MessageStore
	media  remote.MediaStore
	attach remote.AttachmentStorage
	user   string
	log    *zap.Logger

	now    func() time.Time
	window time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithUnsendWindow overrides the local unsend window pre-check.
func WithUnsendWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// New builds a Manager for the given current user.
func New(st *store.Store, rs remote.MessageStore, media remote.MediaStore, attach remote.AttachmentStorage, user string, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		st:     st,
		remote: rs,
		media:  media,
		attach: attach,
		user:   user,
		log:    log,
		now:    time.Now,
		window: UnsendWindow,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SendInput is one user send intent. At least one of Text, ImageData,
// AudioData or Location must be non-empty.
type SendInput struct {
	Conv      string
	Text      string
	ImageData []byte
	ImageExt  string
	AudioData []byte
	AudioExt  string
	Location  *models.Location
	ReplyTo   string
}

func (in *SendInput) empty() bool {
	return strings.TrimSpace(in.Text) == "" &&
		len(in.ImageData) == 0 &&
		len(in.AudioData) == 0 &&
		in.Location == nil
}

// Send writes an optimistic record synchronously, then uploads media and
// performs the remote write. On success the optimistic record is atomically
// replaced by the confirmed one. On any failure the record transitions to
// failed with a human-readable cause and stays retryable; an upload failure
// never reaches the remote store.
func (m *Manager) Send(ctx context.Context, in SendInput) (models.Message, error) {
	if in.empty() {
		return models.Message{}, ErrEmptyMessage
	}

	msg := models.Message{
		ID:             ids.NewLocalID(),
		Conv:           in.Conv,
		Sender:         m.user,
		Text:           strings.TrimSpace(in.Text),
		Location:       in.Location,
		ReplyTo:        in.ReplyTo,
		CreatedAt:      m.now().UTC().UnixNano(),
		Status:         models.StatusSending,
		IdempotencyKey: ids.NewIdempotencyKey(),
	}

	// cache outbound media locally first so a failed send can retry
	// without the caller re-supplying bytes
	switch {
	case len(in.ImageData) > 0:
		path, err := m.attach.Save(in.ImageData, in.ImageExt)
		if err != nil {
			return models.Message{}, fmt.Errorf("outbox: cache attachment: %w", err)
		}
		msg.LocalAttachment = path
		msg.AttachKind = attachImage
	case len(in.AudioData) > 0:
		path, err := m.attach.Save(in.AudioData, in.AudioExt)
		if err != nil {
			return models.Message{}, fmt.Errorf("outbox: cache attachment: %w", err)
		}
		msg.LocalAttachment = path
		msg.AttachKind = attachAudio
	}

	if err := m.st.UpsertMessage(msg); err != nil {
		// cannot proceed without consistent local state
		return models.Message{}, err
	}
	m.log.Info("send_optimistic", zap.String("conv", msg.Conv), zap.String("id", msg.ID))

	return m.deliver(ctx, msg)
}

// Retry re-attempts the exact pending operation of a failed record using
// the cached payload, transitioning through sending again.
func (m *Manager) Retry(ctx context.Context, id string) (models.Message, error) {
	msg, err := m.st.GetMessage(id)
	if err != nil {
		return models.Message{}, err
	}
	if msg.Status != models.StatusFailed {
		return models.Message{}, ErrNotFailed
	}
	msg.Status = models.StatusSending
	msg.SyncError = ""
	if err := m.st.UpsertMessage(msg); err != nil {
		return models.Message{}, err
	}
	metrics.SendsTotal.WithLabelValues("retried").Inc()
	m.log.Info("send_retry", zap.String("conv", msg.Conv), zap.String("id", msg.ID))
	return m.deliver(ctx, msg)
}

// deliver uploads any cached media then performs the remote write and
// identity reconciliation. Shared by Send and Retry.
func (m *Manager) deliver(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.LocalAttachment != "" && msg.ImageURL == "" && msg.AudioURL == "" {
		data, err := m.attach.Load(msg.LocalAttachment)
		if err != nil {
			return m.fail(msg, fmt.Errorf("attachment unreadable: %w", err))
		}
		var url string
		switch msg.AttachKind {
		case attachAudio:
			url, err = m.media.UploadAudio(ctx, data, msg.Conv, msg.Sender)
		default:
			url, err = m.media.UploadImage(ctx, data, msg.Conv, msg.Sender)
		}
		if err != nil {
			// no partial remote writes: stop before the message write
			return m.fail(msg, fmt.Errorf("upload failed: %w", err))
		}
		if msg.AttachKind == attachAudio {
			msg.AudioURL = url
		} else {
			msg.ImageURL = url
		}
		if err := m.st.UpsertMessage(msg); err != nil {
			return models.Message{}, err
		}
	}

	confirmed, err := m.remote.SendMessage(ctx, remote.SendReq{
		Conv:           msg.Conv,
		Sender:         msg.Sender,
		Text:           msg.Text,
		ImageURL:       msg.ImageURL,
		AudioURL:       msg.AudioURL,
		Location:       msg.Location,
		ReplyTo:        msg.ReplyTo,
		IdempotencyKey: msg.IdempotencyKey,
	})
	if err != nil {
		return m.fail(msg, err)
	}
	if confirmed.Status == "" {
		confirmed.Status = models.StatusSent
	}

	// the realtime event for this send may have landed first; then the
	// optimistic record is already gone and the confirmed one present
	if exists, _ := m.st.HasMessage(confirmed.ID); exists {
		if has, _ := m.st.HasMessage(msg.ID); has {
			_ = m.st.DeleteMessage(msg.ID)
		}
	} else if err := m.st.ReplaceMessage(msg.ID, confirmed); err != nil {
		return models.Message{}, err
	}

	if msg.LocalAttachment != "" {
		if err := m.attach.Delete(msg.LocalAttachment); err != nil {
			m.log.Warn("attachment_cleanup_failed", zap.String("path", msg.LocalAttachment), zap.Error(err))
		}
	}
	metrics.SendsTotal.WithLabelValues("confirmed").Inc()
	m.log.Info("send_confirmed", zap.String("conv", msg.Conv), zap.String("optimistic", msg.ID), zap.String("id", confirmed.ID))
	return confirmed, nil
}

// fail transitions the record to failed with a cause, preserving the
// cached attachment for retry, and returns the annotated record plus the
// original error.
func (m *Manager) fail(msg models.Message, cause error) (models.Message, error) {
	msg.Status = models.StatusFailed
	msg.SyncError = cause.Error()
	if err := m.st.UpsertMessage(msg); err != nil {
		m.log.Error("send_fail_mark_failed", zap.String("id", msg.ID), zap.Error(err))
	}
	metrics.SendsTotal.WithLabelValues("failed").Inc()
	m.log.Warn("send_failed", zap.String("conv", msg.Conv), zap.String("id", msg.ID), zap.Error(cause))
	return msg, cause
}

// Edit optimistically updates text locally, then edits remotely; a remote
// failure rolls the record back to its exact pre-edit state.
func (m *Manager) Edit(ctx context.Context, id, newText string) error {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return ErrEmptyMessage
	}
	cur, err := m.st.GetMessage(id)
	if err != nil {
		return err
	}
	if cur.Unsent() {
		return ErrAlreadyUnsent
	}
	prev := cur.Clone()

	cur.Text = newText
	cur.EditedAt = m.now().UTC().UnixNano()
	if err := m.st.UpsertMessage(cur); err != nil {
		return err
	}
	if err := m.remote.EditMessage(ctx, id, newText); err != nil {
		if rerr := m.st.UpsertMessage(prev); rerr != nil {
			m.log.Error("edit_rollback_failed", zap.String("id", id), zap.Error(rerr))
		}
		return fmt.Errorf("outbox: edit: %w", err)
	}
	return nil
}

// Unsend soft-deletes within the unsend window: text is cleared and the
// deletion timestamped locally first, then the remote unsend runs; a
// remote failure (including the server's authoritative window re-check)
// rolls the record back.
func (m *Manager) Unsend(ctx context.Context, id string) error {
	cur, err := m.st.GetMessage(id)
	if err != nil {
		return err
	}
	if cur.Unsent() {
		return ErrAlreadyUnsent
	}
	if m.now().UTC().UnixNano()-cur.CreatedAt > int64(m.window) {
		return ErrUnsendWindow
	}
	prev := cur.Clone()

	cur.Text = ""
	cur.ImageURL = ""
	cur.AudioURL = ""
	cur.Location = nil
	cur.DeletedAt = m.now().UTC().UnixNano()
	if err := m.st.UpsertMessage(cur); err != nil {
		return err
	}
	if err := m.remote.UnsendMessage(ctx, id); err != nil {
		if rerr := m.st.UpsertMessage(prev); rerr != nil {
			m.log.Error("unsend_rollback_failed", zap.String("id", id), zap.Error(rerr))
		}
		return fmt.Errorf("outbox: unsend: %w", err)
	}
	return nil
}

// Dismiss deletes a failed record and its cached attachment. No remote
// call: the message never reached the remote store.
func (m *Manager) Dismiss(id string) error {
	cur, err := m.st.GetMessage(id)
	if err != nil {
		return err
	}
	if cur.Status != models.StatusFailed {
		return ErrNotFailed
	}
	if cur.LocalAttachment != "" {
		if err := m.attach.Delete(cur.LocalAttachment); err != nil {
			m.log.Warn("attachment_cleanup_failed", zap.String("path", cur.LocalAttachment), zap.Error(err))
		}
	}
	return m.st.DeleteMessage(id)
}

// AddReaction optimistically applies the current user's reaction (at most
// one per user) then mirrors it remotely; rollback on failure.
func (m *Manager) AddReaction(ctx context.Context, id, symbol string) error {
	cur, err := m.st.GetMessage(id)
	if err != nil {
		return err
	}
	prev := cur.Clone()
	cur.SetReaction(m.user, symbol)
	if err := m.st.UpsertMessage(cur); err != nil {
		return err
	}
	if err := m.remote.AddReaction(ctx, id, m.user, symbol); err != nil {
		if rerr := m.st.UpsertMessage(prev); rerr != nil {
			m.log.Error("reaction_rollback_failed", zap.String("id", id), zap.Error(rerr))
		}
		return fmt.Errorf("outbox: add reaction: %w", err)
	}
	return nil
}

// RemoveReaction optimistically clears the current user's reaction then
// mirrors it remotely; rollback on failure.
func (m *Manager) RemoveReaction(ctx context.Context, id string) error {
	cur, err := m.st.GetMessage(id)
	if err != nil {
		return err
	}
	prev := cur.Clone()
	cur.ClearReaction(m.user)
	if err := m.st.UpsertMessage(cur); err != nil {
		return err
	}
	if err := m.remote.RemoveReaction(ctx, id, m.user); err != nil {
		if rerr := m.st.UpsertMessage(prev); rerr != nil {
			m.log.Error("reaction_rollback_failed", zap.String("id", id), zap.Error(rerr))
		}
		return fmt.Errorf("outbox: remove reaction: %w", err)
	}
	return nil
}
