package ginserver

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"skillchat/internal/domain/chat"
	"skillchat/internal/infra/obs"
)

type Handlers struct {
	Chat           ChatHTTP
	Connections    ConnectionHTTP
	Events         EventsHTTP
	AuthMiddleware gin.HandlerFunc
}

// Params configures the stub chat backend.
type Params struct {
	Env         string
	Addr        string
	Secret      []byte
	Messages    chat.MessageRepository
	Connections chat.ConnectionRepository
	Hub         *Hub
	Ready       func() error
	Clock       clock.Clock
	KeepAlive   time.Duration
	Logger      *slog.Logger
}

// NewHandlers builds the default handler set over the given repositories.
func NewHandlers(p Params) Handlers {
	return Handlers{
		Chat: ChatHandler{
			Messages:    p.Messages,
			Connections: p.Connections,
			Hub:         p.Hub,
			Clock:       p.Clock,
			Logger:      p.Logger,
		},
		Connections: ConnectionHandler{
			Messages:    p.Messages,
			Connections: p.Connections,
			Hub:         p.Hub,
			Clock:       p.Clock,
			Logger:      p.Logger,
		},
		Events: EventsHandler{
			Connections: p.Connections,
			Hub:         p.Hub,
			Clock:       p.Clock,
			KeepAlive:   p.KeepAlive,
			Logger:      p.Logger,
		},
		AuthMiddleware: AuthMiddleware{Secret: p.Secret, Logger: p.Logger}.Handle,
	}
}

func NewRouter(env string, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	mode := configureGinMode(env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "Cache-Control", "X-Request-ID"},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			"X-Request-ID",
		},
		MaxAge: 12 * time.Hour,
	}))

	health.Register(router)

	api := router.Group("/api")
	if h.AuthMiddleware != nil {
		api.Use(h.AuthMiddleware)
	}
	if h.Events != nil {
		api.GET("/events", h.Events.Stream)
	}
	if h.Chat != nil {
		msgs := api.Group("/messages")
		msgs.POST("/send", h.Chat.SendMessage)
		msgs.PUT("/mark-as-read", h.Chat.MarkConversationRead)
		msgs.POST("/read", h.Chat.MarkMessagesRead)
		msgs.POST("/typing", h.Chat.Typing)
		msgs.POST("/:userId", h.Chat.FetchMessages)
		msgs.GET("/:userId", h.Chat.ListMessages)
	}
	if h.Connections != nil {
		conns := api.Group("/connections")
		conns.GET("/friends/:userId", h.Connections.Friends)
		conns.DELETE("/delete/:userId", h.Connections.Delete)
	}
	return router
}

// NewServer assembles the stub backend.
func NewServer(p Params) *http.Server {
	obsMW := obs.Middleware{Logger: p.Logger}
	health := obs.HealthHandlers{Ready: p.Ready}
	if p.Hub != nil {
		health.Stats = p.Hub.Stats
	}
	router := NewRouter(p.Env, obsMW, health, NewHandlers(p))
	return &http.Server{Addr: p.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
