package relay

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pelusa-v/pelusa-messenger/internal/auth"
)

const (
	localUserID = "user_id"
	sendBuffer  = 64
)

// Handlers serves the relay HTTP surface.
type Handlers struct {
	manager  *Manager
	verifier *auth.Verifier
}

func NewHandlers(m *Manager, v *auth.Verifier) *Handlers {
	return &Handlers{manager: m, verifier: v}
}

// Routes registers every relay endpoint on app.
func (h *Handlers) Routes(app *fiber.App) {
	app.Get("/healthz", h.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/api/clients", h.Authenticate, h.ShowClients) // ?exclude=idOrUser
	app.Get("/realtime", h.Authenticate, h.RequireUpgrade, websocket.New(h.Realtime))
}

// Authenticate accepts a bearer header or a token query parameter.
func (h *Handlers) Authenticate(c *fiber.Ctx) error {
	token := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing token"})
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
	}
	c.Locals(localUserID, userID)
	return c.Next()
}

func (h *Handlers) RequireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

// Realtime GET /realtime?token=
func (h *Handlers) Realtime(c *websocket.Conn) {
	userID, _ := c.Locals(localUserID).(string)
	client := &Client{ID: uuid.NewString(), UserID: userID, Conn: c, Send: make(chan []byte, sendBuffer)}
	Serve(h.manager, client)
}

// Serve runs both pumps for client and returns once the connection is done
// and the write pump has drained.
func Serve(m *Manager, client *Client) {
	if !m.Register(client) {
		_ = client.Conn.Close()
		return
	}
	written := make(chan struct{})
	go func() {
		defer close(written)
		client.WritePump()
	}()
	client.ReadPump(m)
	m.Unregister(client)
	<-written
}

// ShowClients GET /api/clients?exclude=idOrUser
func (h *Handlers) ShowClients(c *fiber.Ctx) error {
	return c.JSON(h.manager.ListClients(c.Query("exclude")))
}

func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
