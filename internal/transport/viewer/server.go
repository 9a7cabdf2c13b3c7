// Package viewer serves the board to display clients: the WebSocket stream
// (HELLO, BOOTSTRAP, then FRAME and SIGNAL messages), the HTTP bootstrap,
// health, metrics and the loopback-only admin routes.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"flapboard.app/internal/feed"
	"flapboard.app/internal/flap/engine"
	"flapboard.app/internal/flap/hub"
	"flapboard.app/internal/persistence/indexdb"
	"flapboard.app/internal/protocol"
)

const maxViewerQueue = 4096

// Engines hands out the engine currently driving the board. A reset ends
// an engine's life, so handlers must not hold on to one.
type Engines interface {
	Current() *engine.Engine
	Generation() uint64
}

type FetchIndex interface {
	RecentFetches(ctx context.Context, limit int) ([]feed.FetchRecord, error)
	Stats() indexdb.Stats
}

type Server struct {
	engines Engines
	index   FetchIndex
	log     logrus.FieldLogger

	upgrader websocket.Upgrader
}

// NewServer wires the handlers. index may be nil when indexing is disabled.
func NewServer(engines Engines, index FetchIndex, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		engines: engines,
		index:   index,
		log:     log.WithField("component", "viewer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // boards are embedded anywhere
		},
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
	e.GET("/v1/bootstrap", s.handleBootstrap)
	e.GET("/v1/ws", s.handleWS)

	admin := e.Group("/admin/v1", loopbackOnly)
	admin.POST("/reset", s.handleReset)
	admin.GET("/state", s.handleState)
	admin.GET("/fetches", s.handleFetches)
}

func loopbackOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !isLoopbackRemote(c.Request().RemoteAddr) {
			return c.String(http.StatusForbidden, "forbidden")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleBootstrap(c echo.Context) error {
	eng := s.engines.Current()
	if eng == nil {
		return c.String(http.StatusServiceUnavailable, protocol.ErrBoardReloading)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	boot, err := eng.RequestBootstrap(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrStopped) {
			return c.String(http.StatusServiceUnavailable, protocol.ErrBoardReloading)
		}
		return c.String(http.StatusServiceUnavailable, protocol.ErrBoardBusy)
	}
	return c.JSON(http.StatusOK, boot)
}

func (s *Server) handleReset(c echo.Context) error {
	eng := s.engines.Current()
	if eng == nil {
		return c.String(http.StatusServiceUnavailable, protocol.ErrBoardReloading)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	tick, err := eng.RequestReset(ctx)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrResetInProgress):
		return c.String(http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrStopped):
		return c.String(http.StatusServiceUnavailable, protocol.ErrBoardReloading)
	default:
		return c.String(http.StatusServiceUnavailable, err.Error())
	}
	s.log.WithField("tick", tick).Info("reset requested")
	return c.JSON(http.StatusAccepted, map[string]any{"tick": tick})
}

type stateResponse struct {
	Generation uint64          `json:"generation"`
	Metrics    engine.Metrics  `json:"metrics"`
	Hub        hub.Stats       `json:"hub"`
	Index      *indexdb.Stats  `json:"index,omitempty"`
	Config     stateConfigView `json:"config"`
}

type stateConfigView struct {
	NumRows        int    `json:"num_rows"`
	StaggerMS      int64  `json:"stagger_ms"`
	SettleMS       int64  `json:"settle_ms"`
	FadeMS         int64  `json:"fade_ms"`
	TickRateHz     int    `json:"tick_rate_hz"`
	Plugin         string `json:"plugin"`
	MaxResults     int    `json:"max_results"`
	PageIntervalMS int64  `json:"page_interval_ms"`
}

func (s *Server) handleState(c echo.Context) error {
	eng := s.engines.Current()
	if eng == nil {
		return c.String(http.StatusServiceUnavailable, protocol.ErrBoardReloading)
	}
	cfg := eng.Config()
	resp := stateResponse{
		Generation: s.engines.Generation(),
		Metrics:    eng.Metrics(),
		Hub:        eng.Hub().Stats(),
		Config: stateConfigView{
			NumRows:        cfg.NumRows,
			StaggerMS:      cfg.Stagger.Milliseconds(),
			SettleMS:       cfg.Settle.Milliseconds(),
			FadeMS:         cfg.Fade.Milliseconds(),
			TickRateHz:     cfg.TickRateHz,
			Plugin:         cfg.Items.Plugin,
			MaxResults:     cfg.Items.MaxResults,
			PageIntervalMS: cfg.Items.PageInterval.Milliseconds(),
		},
	}
	if s.index != nil {
		st := s.index.Stats()
		resp.Index = &st
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFetches(c echo.Context) error {
	if s.index == nil {
		return c.String(http.StatusNotFound, "fetch index disabled")
	}
	limit := 20
	if v := strings.TrimSpace(c.QueryParam("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return c.String(http.StatusBadRequest, "limit must be in [1, 1000]")
		}
		limit = n
	}
	recs, err := s.index.RecentFetches(c.Request().Context(), limit)
	if err != nil {
		s.log.WithError(err).Warn("query fetch index")
		return c.String(http.StatusInternalServerError, protocol.ErrInternal)
	}
	return c.JSON(http.StatusOK, recs)
}

func (s *Server) handleMetrics(c echo.Context) error {
	rw := c.Response()
	rw.Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4")
	rw.WriteHeader(http.StatusOK)

	var m engine.Metrics
	if eng := s.engines.Current(); eng != nil {
		m = eng.Metrics()
	}

	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s %v\n", name, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
		fmt.Fprintf(rw, "%s %d\n", name, v)
	}

	gauge("flapboard_generation", "Engines started since boot (one per reload).", s.engines.Generation())
	gauge("flapboard_tick", "Current engine tick.", m.Tick)
	gauge("flapboard_viewers", "Connected viewers.", m.Viewers)
	gauge("flapboard_queued_steps", "Rotation steps queued across all slots.", m.QueuedSteps)
	gauge("flapboard_timers", "Pending scheduler timers.", m.Timers)
	gauge("flapboard_page", "Page currently shown.", m.Page)
	gauge("flapboard_pages", "Pages in the current cycle.", m.Pages)
	counter("flapboard_viewers_evicted_total", "Viewers dropped for lagging.", m.ViewersEvicted)
	counter("flapboard_passes_total", "Completed sequencer passes.", m.Passes)
	counter("flapboard_pages_total", "Pages shown.", m.PagesShown)
	counter("flapboard_frames_total", "Frames published.", m.Frames)
	counter("flapboard_fetches_total", "Data source fetches.", m.Fetches)
	counter("flapboard_fetch_failures_total", "Failed data source fetches.", m.FetchFailures)
	counter("flapboard_resets_total", "Board resets.", m.Resets)

	if s.index != nil {
		st := s.index.Stats()
		gauge("flapboard_index_queue_depth", "Fetch index writer backlog.", st.QueueDepth)
		counter("flapboard_index_dropped_total", "Index records dropped because the writer fell behind.", st.DropFetchTotal+st.DropPassTotal)
	}
	return nil
}

func (s *Server) handleWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	hello, code := readHello(conn)
	if code != "" {
		closeWith(conn, websocket.ClosePolicyViolation, code)
		return nil
	}

	eng := s.engines.Current()
	if eng == nil {
		closeWith(conn, websocket.CloseTryAgainLater, protocol.ErrBoardReloading)
		return nil
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	boot, sub, err := eng.Subscribe(ctx, hello.ViewerName, viewerQueue(hello.MaxQueue))
	cancel()
	if err != nil {
		if errors.Is(err, engine.ErrStopped) || errors.Is(err, hub.ErrClosed) {
			closeWith(conn, websocket.CloseTryAgainLater, protocol.ErrBoardReloading)
		} else {
			closeWith(conn, websocket.CloseTryAgainLater, protocol.ErrBoardBusy)
		}
		return nil
	}
	log := s.log.WithFields(logrus.Fields{"session": sub.ID, "viewer": hello.ViewerName})
	defer eng.Hub().Unsubscribe(sub)

	if err := writeJSON(conn, boot); err != nil {
		return nil
	}
	log.Debug("viewer joined")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for b := range sub.C() {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
		// The channel closes on eviction, on engine shutdown (after RELOAD
		// went out), or when the reader below unsubscribes.
		switch {
		case sub.Evicted():
			log.Info("viewer evicted for lagging")
			closeWith(conn, websocket.CloseTryAgainLater, protocol.ErrViewerLagging)
		default:
			closeWith(conn, websocket.CloseServiceRestart, protocol.ErrBoardReloading)
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	}()

	// Viewers have nothing to say after HELLO; reading keeps control frames
	// flowing and notices the disconnect.
	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	eng.Hub().Unsubscribe(sub)

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}
	log.Debug("viewer left")
	return nil
}

func readHello(conn *websocket.Conn) (protocol.HelloMsg, string) {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return hello, protocol.ErrProtoBadRequest
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		return hello, protocol.ErrProtoBadRequest
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		return hello, protocol.ErrProtoBadRequest
	}
	if hello.ProtocolVersion != protocol.Version {
		return hello, protocol.ErrProtoVersion
	}
	if strings.TrimSpace(hello.ViewerName) == "" {
		hello.ViewerName = "viewer"
	}
	return hello, ""
}

func viewerQueue(n int) int {
	if n <= 0 {
		return hub.DefaultQueue
	}
	if n > maxViewerQueue {
		return maxViewerQueue
	}
	return n
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
