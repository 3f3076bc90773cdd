package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	domainauth "skillchat/internal/domain/auth"
	"skillchat/internal/domain/chat"
	"skillchat/internal/infra/config"
	mongodb "skillchat/internal/infra/db/mongo"
	ginserver "skillchat/internal/infra/http/gin"
	"skillchat/internal/infra/inbox"
	"skillchat/internal/infra/storage/memory"
)

var (
	stubAddr string
	stubSeed string
)

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Run the stub chat backend (REST + event stream)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger := loadConfig(slog.LevelInfo)
		if stubAddr != "" {
			cfg.StubAddr = stubAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runStub(ctx, cfg, logger)
	},
}

func init() {
	stubCmd.Flags().StringVar(&stubAddr, "addr", "", "Listen address (defaults to STUB_ADDR).")
	stubCmd.Flags().StringVar(&stubSeed, "seed", "", "Users to connect with each other, as id=Name pairs separated by commas.")
}

type stubStorage struct {
	messages    chat.MessageRepository
	connections chat.ConnectionRepository
	dedup       inbox.Dedup
	ready       func() error
	close       func()
}

func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (stubStorage, error) {
	if cfg.MongoURI == "" {
		logger.Info("using in-memory storage")
		return stubStorage{
			messages:    memory.NewMessageRepository(),
			connections: memory.NewConnectionRepository(),
			dedup:       inbox.NewMemoryStore(inbox.DefaultCapacity),
			ready:       func() error { return nil },
			close:       func() {},
		}, nil
	}
	client, err := mongodb.New(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return stubStorage{}, fmt.Errorf("connect mongo: %w", err)
	}
	logger.Info("using mongo storage", "database", cfg.MongoDB)
	return stubStorage{
		messages:    mongodb.NewMessageRepository(ctx, client.DB),
		connections: mongodb.NewConnectionRepository(ctx, client.DB),
		dedup:       inbox.NewStore(ctx, client.DB, "stub-hub", 24*time.Hour),
		ready: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return client.Ping(pingCtx)
		},
		close: func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Close(closeCtx)
		},
	}, nil
}

func runStub(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	storage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer storage.close()

	users, err := parseSeed(stubSeed)
	if err != nil {
		return err
	}
	if err := seedConnections(ctx, storage.connections, users, time.Now().UTC()); err != nil {
		return err
	}
	secret := []byte(cfg.StubJWTSecret)
	for _, u := range users {
		tok, err := domainauth.IssueToken(secret, u.ID, 24*time.Hour, time.Now())
		if err != nil {
			return err
		}
		logger.Info("seeded user", "user_id", u.ID, "name", u.Name, "token", tok)
	}

	hub := ginserver.NewHub(ginserver.HubParams{Dedup: storage.dedup, Logger: logger})
	server := ginserver.NewServer(ginserver.Params{
		Env:         cfg.Env,
		Addr:        cfg.StubAddr,
		Secret:      secret,
		Messages:    storage.messages,
		Connections: storage.connections,
		Hub:         hub,
		Ready:       storage.ready,
		Logger:      logger,
	})

	go func() {
		<-ctx.Done()
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("stub backend starting", "addr", cfg.StubAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("stub backend: %w", err)
	}
	logger.Info("stub backend stopped")
	return nil
}

// parseSeed reads "a=Alice,b=Bob". A missing name defaults to the id.
func parseSeed(raw string) ([]chat.Friend, error) {
	var users []chat.Friend
	seen := make(map[chat.UserID]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, name, _ := strings.Cut(part, "=")
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if id == "" {
			return nil, fmt.Errorf("seed entry %q has no id", part)
		}
		if name == "" {
			name = id
		}
		if seen[chat.UserID(id)] {
			return nil, fmt.Errorf("seed user %q listed twice", id)
		}
		seen[chat.UserID(id)] = true
		users = append(users, chat.Friend{ID: chat.UserID(id), Name: name})
	}
	return users, nil
}

// seedConnections connects every pair of users.
func seedConnections(ctx context.Context, repo chat.ConnectionRepository, users []chat.Friend, at time.Time) error {
	for i := range users {
		for j := i + 1; j < len(users); j++ {
			if err := repo.Connect(ctx, users[i], users[j], at.Add(time.Duration(j)*time.Second)); err != nil {
				return fmt.Errorf("seed %s-%s: %w", users[i].ID, users[j].ID, err)
			}
		}
	}
	return nil
}
