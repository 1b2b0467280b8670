package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/moodcall/internal/app"
	"github.com/dkeye/moodcall/internal/config"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Store is the document store the relay exposes.
type Store interface {
	core.DocStore
	Listeners() int
}

// StoreWSController serves the document store over websockets.
type StoreWSController struct {
	Store    Store
	Rules    app.Rules
	Registry *app.Registry
	Policy   app.Policy
	Limiter  *RateLimiter

	ReadLimit  int64
	PingPeriod time.Duration

	writeMu sync.Mutex
}

func NewStoreWSController(cfg *config.Config, st Store, reg *app.Registry) *StoreWSController {
	return &StoreWSController{
		Store:      st,
		Rules:      app.Rules{Store: st},
		Registry:   reg,
		Policy:     app.SimplePolicy{},
		Limiter:    NewRateLimiter(nil, cfg.RateLimit.Limit, cfg.RateLimit.Interval),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
}

// WsStoreConn is one connected relay client.
type WsStoreConn struct {
	id   string
	uid  domain.UserID
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool

	wmu     sync.Mutex
	watches map[uint64]core.Unsubscribe
}

func (c *WsStoreConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsStoreConn) Pending() int { return len(c.send) }

func (c *WsStoreConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *WsStoreConn) addWatch(sub uint64, u core.Unsubscribe) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, dup := c.watches[sub]; dup {
		return false
	}
	c.watches[sub] = u
	return true
}

func (c *WsStoreConn) dropWatch(sub uint64) {
	c.wmu.Lock()
	u, ok := c.watches[sub]
	delete(c.watches, sub)
	c.wmu.Unlock()
	if ok {
		u()
	}
}

func (c *WsStoreConn) dropAll() {
	c.wmu.Lock()
	ws := c.watches
	c.watches = make(map[uint64]core.Unsubscribe)
	c.wmu.Unlock()
	for _, u := range ws {
		u()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *StoreWSController) HandleStore(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("client_token"))
	if err := uid.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("module", "signal").Str("uid", string(uid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsStoreConn{
		id:      uuid.NewString(),
		uid:     uid,
		conn:    ws,
		send:    make(chan []byte, 64),
		watches: make(map[uint64]core.Unsubscribe),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.Bind(conn.id, uid, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

func (ctl *StoreWSController) onBackpressure(c *WsStoreConn) {
	switch ctl.Policy.OnBackPressure(c.uid, c.Pending()) {
	case app.KickClient:
		log.Warn().Str("module", "signal").Str("uid", string(c.uid)).Msg("slow client kicked")
		ctl.Registry.Cancel(c.id)
		c.Close()
	case app.DropFrame:
		log.Warn().Str("module", "signal").Str("uid", string(c.uid)).Msg("frame dropped")
	}
}
