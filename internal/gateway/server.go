// Fiber app wiring: middleware, routes, and graceful shutdown, grounded on
// internal/server/server.go (New/SetupMiddleware/SetupRoutes/Start/Shutdown).
package gateway

import (
	"context"
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
)

// ServerConfig mirrors config.ServerConfig's fields the Fiber app needs.
type ServerConfig struct {
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	CORSAllowOrigins  string
	CORSAllowMethods  string
	CORSAllowHeaders  string
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Server is the HTTP/WebSocket front door: an *fiber.App wrapping the
// Gateway's connection handler.
type Server struct {
	app *fiber.App
	cfg ServerConfig
	gw  *Gateway
}

func NewServer(cfg ServerConfig, gw *Gateway) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "translatecastd",
		ServerHeader: "translatecastd",
		StrictRouting: false,
		CaseSensitive: false,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		// Prefork disabled: incompatible with in-process WebSocket registries,
		// same tradeoff the teacher's server.go documents.
		Prefork: false,
	})

	s := &Server{app: app, cfg: cfg, gw: gw}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	s.app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
		TimeFormat: time.RFC3339,
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.CORSAllowOrigins,
		AllowMethods: s.cfg.CORSAllowMethods,
		AllowHeaders: s.cfg.CORSAllowHeaders,
	}))
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	s.app.Post("/sessions", s.handleCreateSession)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("token", c.Query("token"))
			c.Locals("sessionId", c.Query("sessionId"))
			c.Locals("targetLanguage", c.Query("targetLanguage"))
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get("/ws/session", websocket.New(s.gw.HandleConnection, websocket.Config{
		ReadBufferSize:  s.cfg.WSReadBufferSize,
		WriteBufferSize: s.cfg.WSWriteBufferSize,
	}))
}

// createSessionRequest is the body of POST /sessions (SPEC_FULL.md §4.E
// "Session creation endpoint"): a speaker mints a sessionId here before
// its first WebSocket connect.
type createSessionRequest struct {
	OwnerID           string   `json:"ownerId"`
	SourceLanguage    string   `json:"sourceLanguage"`
	ConfiguredTargets []string `json:"configuredTargets"`
}

func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	var req createSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"code": "Validation", "message": "malformed request body"})
	}
	if req.OwnerID == "" || req.SourceLanguage == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"code": "Validation", "message": "ownerId and sourceLanguage are required"})
	}

	targets := make(map[string]struct{}, len(req.ConfiguredTargets))
	for _, lang := range req.ConfiguredTargets {
		targets[lang] = struct{}{}
	}

	sess, err := s.gw.CreateSession(req.OwnerID, req.SourceLanguage, targets)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"code": "Fatal", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"sessionId": sess.SessionID})
}

// Start listens and blocks until a SIGINT/SIGTERM triggers graceful
// shutdown (mirrors server.go's Start).
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Println("[Server] shutdown signal received, draining connections")
		if err := s.app.ShutdownWithTimeout(s.cfg.ShutdownTimeout); err != nil {
			log.Printf("[Server] shutdown error: %v", err)
		}
		close(idleConnsClosed)
	}()

	if err := s.app.Listen(s.cfg.Port); err != nil {
		return err
	}
	<-idleConnsClosed
	return nil
}

// Shutdown is exposed for the supervisor's deliberate drain sequence
// (§4.I), distinct from the signal-driven path in Start.
func (s *Server) Shutdown(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return s.app.Shutdown()
	}
	return s.app.ShutdownWithTimeout(time.Until(deadline))
}
