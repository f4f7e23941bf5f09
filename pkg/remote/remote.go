// Package remote declares the boundary contracts this engine consumes. The
// authoritative message store, live event transport, media storage, profile
// cache, badge manager and attachment storage are external collaborators;
// the engine only depends on these interfaces.
package remote

import (
	"context"
	"errors"

	"chatsync/pkg/models"
)

// ErrUnsendWindow is returned by the remote store when its authoritative
// re-check of the unsend window fails.
var ErrUnsendWindow = errors.New("remote: unsend window expired")

// SendReq carries one outbound message write. At least one of Text,
// ImageURL, AudioURL or Location must be set. IdempotencyKey is a
// client-generated key remotes may echo back on the confirmed record.
type SendReq struct {
	Conv           string
	Sender         string
	Text           string
	ImageURL       string
	AudioURL       string
	Location       *models.Location
	ReplyTo        string
	IdempotencyKey string
}

// MessageStore is the authoritative remote store. Delivery to it is
// at-least-once; merges back into the local store must be idempotent.
type MessageStore interface {
	// SendMessage writes a message and returns the confirmed record with a
	// remote-assigned id.
	SendMessage(ctx context.Context, req SendReq) (models.Message, error)
	// FetchMessages returns up to limit messages strictly older than
	// beforeID (all newest when beforeID is empty), oldest-to-newest.
	FetchMessages(ctx context.Context, conv string, limit int, beforeID string) ([]models.Message, error)
	EditMessage(ctx context.Context, id, text string) error
	// UnsendMessage soft-deletes; the server re-validates the time window.
	UnsendMessage(ctx context.Context, id string) error
	MarkAsRead(ctx context.Context, conv, userID string, updateLastSeen bool) error
	SetTyping(ctx context.Context, conv, userID string, typing bool) error
	AddReaction(ctx context.Context, id, userID, symbol string) error
	RemoveReaction(ctx context.Context, id, userID string) error
	SearchMessages(ctx context.Context, conv, query string, limit int, beforeID string) ([]models.Message, error)
}

// EventKind classifies a live transport event.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
	EventTyping EventKind = "typing"
)

// TypingSignal is an ephemeral counterpart typing notification.
type TypingSignal struct {
	Conv   string `json:"conv"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// Event is one live change event scoped to a conversation. Delivery is
// at-least-once and may arrive out of order.
type Event struct {
	Kind   EventKind
	Conv   string
	Msg    models.Message
	Typing *TypingSignal
}

// EventTransport delivers live change events. One active subscriber per
// conversation at a time; Subscribe supersedes a prior subscription for
// the same conversation.
type EventTransport interface {
	Subscribe(ctx context.Context, conv string) (<-chan Event, error)
	Close() error
}

// MediaStore uploads media payloads ahead of the message write.
type MediaStore interface {
	UploadImage(ctx context.Context, data []byte, conv, sender string) (string, error)
	UploadAudio(ctx context.Context, data []byte, conv, sender string) (string, error)
}

// ProfileCache resolves user profiles for reply-snapshot denormalization.
type ProfileCache interface {
	GetCachedProfile(userID string) (models.Profile, bool)
}

// BadgeManager drives UI-facing unread badges.
type BadgeManager interface {
	ClearMessagesBadge(conv string)
	RefreshAllBadges(reason string)
}

// AttachmentStorage caches outbound media locally until the send confirms,
// so failed sends can be retried without re-reading the source.
type AttachmentStorage interface {
	Save(data []byte, ext string) (string, error)
	Load(path string) ([]byte, error)
	Delete(path string) error
}
