package chat

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrFriendIDRequired = errors.New("chat: friend id is required")
	ErrFriendNotFound   = errors.New("chat: friend not found")
)

// RecentActivityWindow is how long after its last activity a friend still
// counts as recently active.
const RecentActivityWindow = 5 * time.Minute

// Friend is an accepted connection the user can chat with.
type Friend struct {
	ID                 UserID    `json:"id"`
	ConnectionID       string    `json:"connection_id"`
	Name               string    `json:"name"`
	Profession         string    `json:"profession"`
	PictureRef         string    `json:"profile_pic"`
	ResolvedPicture    string    `json:"-"`
	LastMessagePreview string    `json:"last_message,omitempty"`
	LastMessageTime    string    `json:"last_message_time,omitempty"`
	UnreadCount        int       `json:"unread_count"`
	LastActiveAt       time.Time `json:"last_active,omitempty"`
	CreatedAt          time.Time `json:"created_at,omitempty"`
}

// PictureURL prefers a resolved (for example presigned) picture over the raw ref.
func (f Friend) PictureURL() string {
	if f.ResolvedPicture != "" {
		return f.ResolvedPicture
	}
	return f.PictureRef
}

// RecentlyActive reports whether the friend was active within RecentActivityWindow.
func (f Friend) RecentlyActive(now time.Time) bool {
	if f.LastActiveAt.IsZero() {
		return false
	}
	return f.LastActiveAt.After(now.Add(-RecentActivityWindow))
}

// WithPreview stamps the roster preview from msg.
func (f Friend) WithPreview(msg Message) Friend {
	f.LastMessagePreview = msg.Content
	f.LastMessageTime = FormatClock(msg.CreatedAt)
	return f
}

// SortRoster orders friends by connection time, newest first.
func SortRoster(friends []Friend) {
	sort.SliceStable(friends, func(i, j int) bool {
		return friends[i].CreatedAt.After(friends[j].CreatedAt)
	})
}

// FilterRoster returns the friends whose name or profession contains query,
// ignoring case. An empty query returns a copy of the whole roster.
func FilterRoster(friends []Friend, query string) []Friend {
	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]Friend, 0, len(friends))
	for _, f := range friends {
		if query == "" ||
			strings.Contains(strings.ToLower(f.Name), query) ||
			strings.Contains(strings.ToLower(f.Profession), query) {
			out = append(out, f)
		}
	}
	return out
}

// FindFriend returns the roster entry for id.
func FindFriend(friends []Friend, id UserID) (Friend, bool) {
	for _, f := range friends {
		if f.ID == id {
			return f, true
		}
	}
	return Friend{}, false
}

// LastSeenText renders the presence line shown next to a friend.
func LastSeenText(lastActive time.Time, online bool, now time.Time) string {
	if online {
		return "Online"
	}
	if lastActive.IsZero() {
		return "Offline"
	}
	seen := lastActive.In(now.Location())
	if sameDay(seen, now) {
		return "Last seen today at " + seen.Format("3:04 PM")
	}
	if sameDay(seen, now.AddDate(0, 0, -1)) {
		return "Last seen yesterday at " + seen.Format("3:04 PM")
	}
	return "Last seen on " + seen.Format("Jan 2")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
