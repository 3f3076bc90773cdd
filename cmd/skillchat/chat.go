package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"skillchat/internal/app/dispatch"
	"skillchat/internal/app/engine"
	"skillchat/internal/app/policies"
	authsvc "skillchat/internal/app/services/auth"
	"skillchat/internal/domain/chat"
	"skillchat/internal/infra/broker/kafka"
	"skillchat/internal/infra/config"
	"skillchat/internal/infra/obs"
	"skillchat/internal/infra/push"
	"skillchat/internal/infra/rest"
	"skillchat/internal/infra/storage/s3"
)

var (
	chatToken string
	chatUser  string
	chatWith  string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger := loadConfig(slog.LevelWarn)
		if chatToken != "" {
			cfg.Token = chatToken
		}
		if chatUser != "" {
			cfg.UserID = chatUser
		}
		if chatWith != "" {
			cfg.ChatWith = chatWith
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runChat(ctx, cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatToken, "token", "", "Bearer token (defaults to CHAT_TOKEN).")
	chatCmd.Flags().StringVar(&chatUser, "user", "", "User id (defaults to CHAT_USER_ID or the token subject).")
	chatCmd.Flags().StringVar(&chatWith, "with", "", "Open the conversation with this friend id on start.")
}

func runChat(ctx context.Context, cfg config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := &authsvc.Service{Logger: logger}
	if _, err := session.Begin(authsvc.BeginParams{Token: cfg.Token, UserID: cfg.UserID}); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	// The engine may end the session from inside its own callbacks, so the
	// hook only stops the input loop.
	session.OnEnd(cancel)

	api, err := rest.NewClient(rest.Config{BaseURL: cfg.APIURL, CallTimeout: cfg.HTTPTimeout}, session, logger)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(logger)
	channel, err := push.NewChannel(push.ChannelParams{
		Config:      push.Config{BaseURL: cfg.APIURL, ReconnectDelay: cfg.ReconnectDelay},
		Credentials: session,
		Dispatcher:  dispatcher,
		SideChannel: api,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	notifiers := policies.Fanout{obs.LogNotifier{Logger: logger}, printNotifier(out)}
	if len(cfg.KafkaBrokers) > 0 {
		relay, producer, err := kafka.NewNoticeRelay(kafka.NoticeRelayParams{
			Brokers:     cfg.KafkaBrokers,
			TopicPrefix: cfg.KafkaTopicPrefix,
			Topic:       cfg.NoticeTopic,
			Logger:      logger,
		})
		if err != nil {
			logger.Warn("notice publishing disabled", "error", err)
		} else {
			defer producer.Close()
			notifiers = append(notifiers, relay)
		}
	}

	var avatars engine.AvatarResolver = s3.NoopResolver{}
	if cfg.S3Endpoint != "" {
		resolver, err := s3.NewAvatarResolver(s3.Config{
			Endpoint:  cfg.S3Endpoint,
			UseSSL:    cfg.S3UseSSL,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			URLTTL:    cfg.AvatarURLTTL,
		}, logger)
		if err != nil {
			logger.Warn("avatar presigning disabled", "error", err)
		} else {
			avatars = resolver
		}
	}

	eng, err := engine.New(engine.Params{
		Config: engine.Config{
			PollInterval:  cfg.PollInterval,
			TypingExpiry:  cfg.TypingExpiry,
			TypingIdle:    cfg.TypingIdle,
			MarkReadDelay: cfg.MarkReadDelay,
			PageLimit:     cfg.FetchPageLimit,
			AutoSelect:    chat.UserID(cfg.ChatWith),
			MobileLayout:  cfg.MobileLayout,
		},
		Session:    session,
		Backend:    api,
		Transport:  channel,
		Dispatcher: dispatcher,
		Notifier:   notifiers,
		Avatars:    avatars,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	term := newTerminal(out, session.UserID())
	unsubscribe := eng.Subscribe(func() { term.render(eng.Snapshot(), eng.Presence()) })
	defer unsubscribe()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "signed in as %s. /help lists commands.\n", session.UserID())
	if eng.Snapshot().ActiveID == "" {
		renderRoster(out, eng.Snapshot().Friends, eng.Presence())
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			if eng.AuthFailed() {
				return errors.New("session ended: sign in again")
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, eng, out, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one line of input. It reports whether the user asked to quit.
func handleLine(ctx context.Context, eng *engine.Engine, out io.Writer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		eng.InputChanged(line)
		if _, err := eng.Send(ctx, line); err != nil && !errors.Is(err, engine.ErrEngineClosed) {
			fmt.Fprintln(out, "! not sent:", err)
		}
		return false
	}
	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	st := eng.Snapshot()
	switch cmd {
	case "quit", "q":
		return true
	case "help":
		fmt.Fprintln(out, "/friends  /open <id|name>  /close  /search <text>  /remove <id>  /read  /refresh  /quit")
	case "friends":
		renderRoster(out, st.Friends, eng.Presence())
	case "search":
		renderRoster(out, eng.Search(arg), eng.Presence())
	case "open":
		f, ok := resolveFriend(st.Friends, arg)
		if !ok {
			fmt.Fprintln(out, "! no single contact matches", arg)
			return false
		}
		if err := eng.SelectFriend(f.ID); err != nil {
			fmt.Fprintln(out, "!", err)
		}
	case "close":
		eng.CloseConversation()
	case "remove":
		f, ok := resolveFriend(st.Friends, arg)
		if !ok {
			fmt.Fprintln(out, "! no single contact matches", arg)
			return false
		}
		if err := eng.RemoveFriend(ctx, f.ID); err == nil {
			fmt.Fprintln(out, "removed", f.Name)
		}
	case "read":
		if err := eng.MarkRead(ctx); err != nil {
			fmt.Fprintln(out, "!", err)
		}
	case "refresh":
		if err := eng.Refresh(ctx); err != nil {
			fmt.Fprintln(out, "!", err)
		}
	default:
		fmt.Fprintln(out, "! unknown command", cmd)
	}
	return false
}

func printNotifier(out io.Writer) policies.Notifier {
	return policies.NotifierFunc(func(_ context.Context, n policies.Notice) error {
		_, err := fmt.Fprintf(out, "! %s: %s\n", n.Title, n.Message)
		return err
	})
}
