// Package remotetest provides in-memory fakes for the remote boundary
// contracts, used across the engine's tests.
package remotetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/models"
	"chatsync/pkg/remote"
)

// FakeStore is an in-memory remote.MessageStore and remote.MediaStore.
// Error fields, when set, fail the corresponding call.
type FakeStore struct {
	mu     sync.Mutex
	byConv map[string][]models.Message
	nextID int

	SendErr     error
	FetchErr    error
	EditErr     error
	UnsendErr   error
	ReadErr     error
	TypingErr   error
	ReactionErr error
	SearchErr   error
	UploadErr   error

	SendCalls   int
	ReadCalls   []ReadCall
	TypingCalls []TypingCall
	Uploads     [][]byte

	// OnSend, when set, observes each send before the record is stored.
	OnSend func(remote.SendReq)
}

// ReadCall records one MarkAsRead invocation.
type ReadCall struct {
	Conv           string
	UserID         string
	UpdateLastSeen bool
}

// TypingCall records one SetTyping invocation.
type TypingCall struct {
	Conv   string
	UserID string
	Typing bool
}

// NewFakeStore builds an empty fake.
func NewFakeStore() *FakeStore {
	return &FakeStore{byConv: make(map[string][]models.Message)}
}

// Seed places confirmed messages directly into a conversation.
func (f *FakeStore) Seed(conv string, msgs ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byConv[conv] = append(f.byConv[conv], msgs...)
	models.SortMessages(f.byConv[conv])
}

// Messages returns a copy of the stored conversation.
func (f *FakeStore) Messages(conv string) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.byConv[conv]...)
}

func (f *FakeStore) SendMessage(_ context.Context, req remote.SendReq) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendCalls++
	if f.OnSend != nil {
		f.OnSend(req)
	}
	if f.SendErr != nil {
		return models.Message{}, f.SendErr
	}
	f.nextID++
	m := models.Message{
		ID:             fmt.Sprintf("srv-%d", f.nextID),
		Conv:           req.Conv,
		Sender:         req.Sender,
		Text:           req.Text,
		ImageURL:       req.ImageURL,
		AudioURL:       req.AudioURL,
		Location:       req.Location,
		ReplyTo:        req.ReplyTo,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UnixNano(),
		Status:         models.StatusSent,
	}
	f.byConv[req.Conv] = models.InsertSorted(f.byConv[req.Conv], m)
	return m, nil
}

func (f *FakeStore) FetchMessages(_ context.Context, conv string, limit int, beforeID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	msgs := f.byConv[conv]
	end := len(msgs)
	if beforeID != "" {
		for i := range msgs {
			if msgs[i].ID == beforeID {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]models.Message(nil), msgs[start:end]...), nil
}

func (f *FakeStore) EditMessage(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EditErr != nil {
		return f.EditErr
	}
	m, ok := f.find(id)
	if !ok {
		return fmt.Errorf("remotetest: no message %s", id)
	}
	m.Text = text
	m.EditedAt = time.Now().UnixNano()
	return nil
}

func (f *FakeStore) UnsendMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UnsendErr != nil {
		return f.UnsendErr
	}
	m, ok := f.find(id)
	if !ok {
		return fmt.Errorf("remotetest: no message %s", id)
	}
	m.Text = ""
	m.ImageURL = ""
	m.AudioURL = ""
	m.Location = nil
	m.DeletedAt = time.Now().UnixNano()
	return nil
}

func (f *FakeStore) MarkAsRead(_ context.Context, conv, userID string, updateLastSeen bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadCalls = append(f.ReadCalls, ReadCall{Conv: conv, UserID: userID, UpdateLastSeen: updateLastSeen})
	if f.ReadErr != nil {
		return f.ReadErr
	}
	msgs := f.byConv[conv]
	for i := range msgs {
		if msgs[i].Sender != userID {
			msgs[i].MarkRead(userID)
		}
	}
	return nil
}

func (f *FakeStore) SetTyping(_ context.Context, conv, userID string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TypingCalls = append(f.TypingCalls, TypingCall{Conv: conv, UserID: userID, Typing: typing})
	return f.TypingErr
}

func (f *FakeStore) AddReaction(_ context.Context, id, userID, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReactionErr != nil {
		return f.ReactionErr
	}
	m, ok := f.find(id)
	if !ok {
		return fmt.Errorf("remotetest: no message %s", id)
	}
	m.SetReaction(userID, symbol)
	return nil
}

func (f *FakeStore) RemoveReaction(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReactionErr != nil {
		return f.ReactionErr
	}
	m, ok := f.find(id)
	if !ok {
		return fmt.Errorf("remotetest: no message %s", id)
	}
	m.ClearReaction(userID)
	return nil
}

func (f *FakeStore) SearchMessages(_ context.Context, conv, query string, limit int, _ string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SearchErr != nil {
		return nil, f.SearchErr
	}
	var out []models.Message
	for _, m := range f.byConv[conv] {
		if strings.Contains(strings.ToLower(m.Text), strings.ToLower(query)) {
			out = append(out, m)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *FakeStore) UploadImage(_ context.Context, data []byte, conv, _ string) (string, error) {
	return f.upload(data, conv, "image")
}

func (f *FakeStore) UploadAudio(_ context.Context, data []byte, conv, _ string) (string, error) {
	return f.upload(data, conv, "audio")
}

func (f *FakeStore) upload(data []byte, conv, kind string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	f.Uploads = append(f.Uploads, data)
	return fmt.Sprintf("https://media.test/%s/%s/%d", conv, kind, len(f.Uploads)), nil
}

// find returns a pointer into stored state; callers hold f.mu.
func (f *FakeStore) find(id string) (*models.Message, bool) {
	for conv := range f.byConv {
		msgs := f.byConv[conv]
		for i := range msgs {
			if msgs[i].ID == id {
				return &msgs[i], true
			}
		}
	}
	return nil, false
}

// FakeProfiles is an in-memory remote.ProfileCache.
type FakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]models.Profile
}

// NewFakeProfiles builds a cache seeded with the given profiles.
func NewFakeProfiles(profiles ...models.Profile) *FakeProfiles {
	f := &FakeProfiles{profiles: make(map[string]models.Profile)}
	for _, p := range profiles {
		f.profiles[p.ID] = p
	}
	return f
}

func (f *FakeProfiles) GetCachedProfile(userID string) (models.Profile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	return p, ok
}

// FakeBadges is an in-memory remote.BadgeManager recording calls.
type FakeBadges struct {
	mu       sync.Mutex
	Cleared  []string
	Refreshs []string
}

func (f *FakeBadges) ClearMessagesBadge(conv string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cleared = append(f.Cleared, conv)
}

func (f *FakeBadges) RefreshAllBadges(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Refreshs = append(f.Refreshs, reason)
}
