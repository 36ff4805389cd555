package server

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"sketchsync/internal/auth"
	"sketchsync/internal/config"
	"sketchsync/internal/hub"
	"sketchsync/internal/store"
	"sketchsync/protocol"
)

// Server wires the Fiber app, the board hub and the store.
type Server struct {
	app        *fiber.App
	cfg        *config.Config
	hub        *hub.Hub
	store      store.Store
	jwtManager *auth.JWTManager
}

// New creates the server around an already constructed hub and store.
func New(cfg *config.Config, h *hub.Hub, st store.Store) *Server {
	app := fiber.New(fiber.Config{
		AppName:         "sketchsync collaboration server",
		StrictRouting:   true,
		CaseSensitive:   true,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		Prefork:         false, // incompatible with WebSocket
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
	})

	return &Server{
		app:        app,
		cfg:        cfg,
		hub:        h,
		store:      st,
		jwtManager: auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry),
	}
}

// SetupMiddleware installs panic recovery, request logging and CORS.
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes installs the REST and WebSocket endpoints.
func (s *Server) SetupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	// Persisted board history, for clients reconciling after a version
	// conflict or rendering a read-only preview.
	api := s.app.Group("/api", auth.Middleware(s.jwtManager))
	api.Get("/boards/:boardId/elements", s.getBoardElements)
	api.Get("/boards/:boardId/presence", s.getBoardPresence)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/collab", auth.Middleware(s.jwtManager), websocket.New(s.handleCollabWS, websocket.Config{
		ReadBufferSize:   s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  s.cfg.WebSocket.WriteBufferSize,
		HandshakeTimeout: s.cfg.WebSocket.HandshakeTimeout,
	}))
}

func (s *Server) getBoardElements(c *fiber.Ctx) error {
	boardID := c.Params("boardId")
	if boardID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "board id is required"})
	}

	elements, err := s.store.Elements(c.Context(), boardID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch elements"})
	}
	version, err := s.store.Version(c.Context(), boardID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch version"})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"version":  version,
		"elements": elements,
	})
}

func (s *Server) getBoardPresence(c *fiber.Ctx) error {
	boardID := c.Params("boardId")
	if boardID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "board id is required"})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"users":   s.hub.ActiveUsers(c.Context(), boardID),
	})
}

// handleCollabWS runs one collaborator connection. The first frame must
// be the JOIN command naming the board; the claims from the validated
// token override whatever identity the payload carries.
func (s *Server) handleCollabWS(c *websocket.Conn) {
	userID, _ := c.Locals("userID").(string)
	userName, _ := c.Locals("userName").(string)
	avatarURL, _ := c.Locals("avatarURL").(string)
	if userID == "" {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"error":"invalid session"}}`))
		c.Close()
		return
	}

	c.SetReadDeadline(time.Now().Add(s.cfg.WebSocket.HandshakeTimeout))
	_, data, err := c.ReadMessage()
	if err != nil {
		c.Close()
		return
	}
	c.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.CommandJoin {
		log.Printf("[WS] expected join frame from %s, closing", userID)
		c.Close()
		return
	}
	var join protocol.JoinPayload
	if err := env.Bind(&join); err != nil || join.BoardID == "" {
		log.Printf("[WS] malformed join from %s, closing", userID)
		c.Close()
		return
	}

	user := protocol.UserInfo{UserID: userID, Name: userName, AvatarURL: avatarURL}
	if user.Name == "" {
		user.Name = join.User.Name
	}

	client := hub.NewClient(user, c)
	room := s.hub.GetOrCreateRoom(join.BoardID)
	room.Attach(client)
	client.ReadLoop()
}

// Start runs the server until SIGINT/SIGTERM, then shuts down.
func (s *Server) Start() error {
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Println("shutting down...")
		s.hub.Shutdown()
		if err := s.app.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	log.Printf("listening on %s", s.cfg.Server.Port)
	return s.app.Listen(s.cfg.Server.Port)
}
