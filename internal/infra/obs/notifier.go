package obs

import (
	"context"
	"log/slog"

	"skillchat/internal/app/policies"
)

// LogNotifier writes notices to the log. Soft notices log at Info, the
// rest at Warn.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, notice policies.Notice) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if notice.Soft {
		level = slog.LevelInfo
	}
	attrs := []any{"kind", notice.Kind, "title", notice.Title}
	if notice.FriendID != "" {
		attrs = append(attrs, "friend_id", notice.FriendID)
	}
	if notice.Err != nil {
		attrs = append(attrs, "error", notice.Err)
	}
	logger.Log(ctx, level, notice.Message, attrs...)
	return nil
}
