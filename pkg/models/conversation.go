package models

// Conversation owns an ordered set of messages and a participant list.
// The unread counter is always derived from message read-state (see
// UnreadCount); it is never stored here.
type Conversation struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// Participants are opaque user ids (clients manage meaning).
	Participants []string `json:"participants,omitempty"`
	// Created/Updated timestamps (ns)
	CreatedAt int64 `json:"created_at,omitempty"`
	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// OtherParticipants returns the participant set minus userID.
func (c *Conversation) OtherParticipants(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// Profile is the cached user profile shape consumed from the profile-cache
// collaborator when denormalizing reply snapshots.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}
