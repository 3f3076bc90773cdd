package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"skillchat/internal/app/store"
	"skillchat/internal/domain/chat"
)

// presenceView is the part of the presence tracker the terminal reads.
type presenceView interface {
	Status(user chat.UserID) string
	IsTyping(user chat.UserID) bool
}

// terminal prints conversation changes as they arrive. Pending messages are
// not printed; the confirmed copy is.
type terminal struct {
	out  io.Writer
	self chat.UserID

	mu      sync.Mutex
	active  chat.UserID
	printed map[chat.MessageID]bool
	typing  bool
}

func newTerminal(out io.Writer, self chat.UserID) *terminal {
	return &terminal{out: out, self: self, printed: make(map[chat.MessageID]bool)}
}

func (t *terminal) render(st store.State, presence presenceView) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st.ActiveID != t.active {
		t.active = st.ActiveID
		t.printed = make(map[chat.MessageID]bool)
		t.typing = false
		if f, ok := st.ActiveFriend(); ok {
			fmt.Fprintf(t.out, "-- %s (%s)\n", f.Name, presence.Status(f.ID))
		} else if st.ActiveID == "" {
			fmt.Fprintln(t.out, "-- conversation closed")
		}
	}
	if t.active == "" {
		return
	}
	friend, _ := st.ActiveFriend()
	for _, msg := range st.Messages {
		if msg.ID.Pending() || t.printed[msg.ID] {
			continue
		}
		t.printed[msg.ID] = true
		fmt.Fprintln(t.out, formatMessage(msg, t.self, friend.Name))
	}
	if typing := presence.IsTyping(t.active); typing != t.typing {
		t.typing = typing
		if typing {
			fmt.Fprintf(t.out, "   %s is typing...\n", friend.Name)
		}
	}
}

func formatMessage(msg chat.Message, self chat.UserID, peerName string) string {
	who := peerName
	if who == "" {
		who = string(msg.SenderID)
	}
	if msg.SenderID == self {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", chat.FormatClock(msg.CreatedAt), who, msg.Content)
	if msg.SenderID == self && msg.IsRead {
		line += " (read)"
	}
	return line
}

func renderRoster(w io.Writer, friends []chat.Friend, presence presenceView) {
	if len(friends) == 0 {
		fmt.Fprintln(w, "no contacts")
		return
	}
	for _, f := range friends {
		var b strings.Builder
		fmt.Fprintf(&b, "%-12s %s", f.ID, f.Name)
		if f.Profession != "" {
			fmt.Fprintf(&b, " - %s", f.Profession)
		}
		fmt.Fprintf(&b, " [%s]", presence.Status(f.ID))
		if f.UnreadCount > 0 {
			fmt.Fprintf(&b, " (%d unread)", f.UnreadCount)
		}
		if f.LastMessagePreview != "" {
			fmt.Fprintf(&b, " %q %s", f.LastMessagePreview, f.LastMessageTime)
		}
		fmt.Fprintln(w, b.String())
	}
}

// resolveFriend matches an id exactly, or a unique case-insensitive name prefix.
func resolveFriend(friends []chat.Friend, arg string) (chat.Friend, bool) {
	arg = strings.TrimSpace(arg)
	if f, ok := chat.FindFriend(friends, chat.UserID(arg)); ok {
		return f, true
	}
	var match chat.Friend
	n := 0
	for _, f := range friends {
		if strings.HasPrefix(strings.ToLower(f.Name), strings.ToLower(arg)) {
			match = f
			n++
		}
	}
	return match, n == 1
}
