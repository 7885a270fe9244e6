package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/net/websocket"

	fx "github.com/robotalks/usbgpio/pkg/framework"
	"github.com/robotalks/usbgpio/pkg/msgs"
	"github.com/robotalks/usbgpio/pkg/usbgpio"
)

const (
	httpTimeout    = 10 * time.Second
	wsWriteTimeout = time.Second
)

// Hub streams snapshots as JSON to websocket clients.
type Hub struct {
	Bridge *Bridge

	clients *xsync.MapOf[uint64, *websocket.Conn]
	nextID  atomic.Uint64
}

// NewHub creates a Hub.
func NewHub(bridge *Bridge) *Hub {
	return &Hub{Bridge: bridge, clients: xsync.NewMapOf[uint64, *websocket.Conn]()}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return h.clients.Size()
}

// Publish implements Publisher. Clients failing to receive are dropped.
func (h *Hub) Publish(ctx context.Context, s *Snapshot) error {
	h.clients.Range(func(id uint64, conn *websocket.Conn) bool {
		if err := h.send(conn, s); err != nil {
			glog.V(1).Infof("drop websocket client %d: %v", id, err)
			h.clients.Delete(id)
			conn.Close()
		}
		return true
	})
	return nil
}

func (h *Hub) send(conn *websocket.Conn, s *Snapshot) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return websocket.JSON.Send(conn, s)
}

// ServeConn handles one websocket client until it disconnects.
func (h *Hub) ServeConn(conn *websocket.Conn) {
	id := h.nextID.Add(1)
	if s := h.Bridge.Last(); s != nil {
		if err := h.send(conn, s); err != nil {
			return
		}
	}
	h.clients.Store(id, conn)
	defer h.clients.Delete(id)
	glog.V(1).Infof("websocket client %d connected", id)
	// incoming frames are ignored, reading detects the disconnect
	var msg []byte
	for websocket.Message.Receive(conn, &msg) == nil {
	}
	glog.V(1).Infof("websocket client %d disconnected", id)
}

// Server is the HTTP API of the bridge.
type Server struct {
	Addr   string
	Bridge *Bridge
	Hub    *Hub

	router *httprouter.Router
}

// NewServer creates the HTTP API.
func NewServer(addr string, bridge *Bridge, hub *Hub) *Server {
	s := &Server{Addr: addr, Bridge: bridge, Hub: hub, router: httprouter.New()}
	s.router.GET("/state", s.handleState)
	s.router.GET("/info", s.handleInfo)
	s.router.GET("/pins/:ch", s.handleReadPin)
	s.router.PUT("/pins/:ch/:value", s.handleWritePin)
	s.router.GET("/adc/:ch", s.handleReadADC)
	s.router.Handler(http.MethodGet, "/ws", websocket.Handler(hub.ServeConn))
	return s
}

// Handler returns the http.Handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run implements Runnable.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}
	glog.Infof("HTTP listening on %s", s.Addr)
	err := fx.RunWithContextCloser(ctx, srv, srv.ListenAndServe)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.V(1).Infof("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var chErr *usbgpio.ChannelError
	var opErr *ErrUnknownOp
	switch {
	case errors.As(err, &chErr), errors.As(err, &opErr):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNoDevice), errors.Is(err, ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, usbgpio.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd *msgs.Command) {
	ctx, cancel := context.WithTimeout(r.Context(), Timeout)
	defer cancel()
	reply, err := s.Bridge.Submit(ctx, cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &replyBody{Value: reply.Value, Text: reply.Text})
}

type replyBody struct {
	Value int32  `json:"value"`
	Text  string `json:"text,omitempty"`
}

func intParam(w http.ResponseWriter, p httprouter.Params, name string) (int, bool) {
	val, err := strconv.ParseInt(p.ByName(name), 0, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return int(val), true
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snapshot := s.Bridge.Last()
	if snapshot == nil {
		writeError(w, ErrNoDevice)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	info := s.Bridge.Info()
	if snapshot := s.Bridge.Last(); snapshot != nil {
		info.Register = snapshot.Register
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":  info.Version,
		"id":       info.ID,
		"register": info.Register,
	})
}

func (s *Server) handleReadPin(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if ch, ok := intParam(w, p, "ch"); ok {
		s.submit(w, r, &msgs.Command{Op: msgs.OpRead, Channel: int32(ch)})
	}
}

func (s *Server) handleWritePin(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ch, ok := intParam(w, p, "ch")
	if !ok {
		return
	}
	if val, ok := intParam(w, p, "value"); ok {
		s.submit(w, r, &msgs.Command{Op: msgs.OpWrite, Channel: int32(ch), Value: int32(val)})
	}
}

func (s *Server) handleReadADC(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if ch, ok := intParam(w, p, "ch"); ok {
		s.submit(w, r, &msgs.Command{Op: msgs.OpADC, Channel: int32(ch)})
	}
}
