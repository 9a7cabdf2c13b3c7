package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"flapboard.app/internal/feed"
	"flapboard.app/internal/flap/board"
	"flapboard.app/internal/flap/drum"
	"flapboard.app/internal/flap/engine"
	"flapboard.app/internal/persistence/indexdb"
	"flapboard.app/internal/protocol"
)

type fetchFunc func(ctx context.Context) feed.Result

func (f fetchFunc) Fetch(ctx context.Context) feed.Result { return f(ctx) }

type oneEngine struct{ eng *engine.Engine }

func (o oneEngine) Current() *engine.Engine { return o.eng }
func (o oneEngine) Generation() uint64      { return 1 }

type fakeIndex struct{ recs []feed.FetchRecord }

func (f fakeIndex) RecentFetches(ctx context.Context, limit int) ([]feed.FetchRecord, error) {
	if limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func (f fakeIndex) Stats() indexdb.Stats { return indexdb.Stats{QueueCapacity: 8} }

func quietLog() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

// startBoard runs a two-row engine at 200 Hz and serves it.
func startBoard(t *testing.T, index FetchIndex) (*engine.Engine, *httptest.Server, <-chan error) {
	t.Helper()
	items := []feed.Item{
		{Terminal: "PARIS", Scheduled: feed.Minutes{N: 3}},
		{Terminal: "ROME", Scheduled: feed.Minutes{N: 7}},
	}
	eng, err := engine.New(engine.Config{
		NumRows: 2,
		Template: board.Template{
			{Field: "terminal", Kind: board.KindText, Drum: drum.Character, Width: 6},
			{Field: "scheduled", Kind: board.KindText, Drum: drum.Numeric, Width: 2},
		},
		Stagger:    20 * time.Millisecond,
		Settle:     50 * time.Millisecond,
		Fade:       time.Millisecond,
		TickRateHz: 200,
		Items:      engine.ItemsConfig{Plugin: "test", PageInterval: time.Hour},
	}, fetchFunc(func(ctx context.Context) feed.Result {
		return feed.Result{Plugin: "test", Items: items}
	}), quietLog())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	e := echo.New()
	NewServer(oneEngine{eng: eng}, index, quietLog()).Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return eng, srv, runErr
}

func dialViewer(t *testing.T, srv *httptest.Server, hello protocol.HelloMsg) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	return conn
}

func hello() protocol.HelloMsg {
	return protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ViewerName: "lobby"}
}

func readMsg(t *testing.T, conn *websocket.Conn) (protocol.BaseMessage, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return base, b
}

func TestHealthAndBootstrap(t *testing.T) {
	_, srv, _ := startBoard(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz=%d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/v1/bootstrap")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer resp.Body.Close()
	var boot protocol.BootstrapMsg
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatalf("decode bootstrap: %v", err)
	}
	if boot.Type != protocol.TypeBootstrap || boot.Board.NumRows != 2 || len(boot.Rows) != 2 {
		t.Fatalf("bootstrap=%+v", boot)
	}
	if len(boot.Board.Template) != 2 || boot.Board.StaggerMS != 20 {
		t.Fatalf("board params=%+v", boot.Board)
	}
}

func TestWS_streamsBootstrapFramesAndPassDone(t *testing.T) {
	_, srv, _ := startBoard(t, nil)
	conn := dialViewer(t, srv, hello())

	base, b := readMsg(t, conn)
	if base.Type != protocol.TypeBootstrap {
		t.Fatalf("first message %q want BOOTSTRAP", base.Type)
	}
	var boot protocol.BootstrapMsg
	if err := json.Unmarshal(b, &boot); err != nil || boot.SessionID == "" {
		t.Fatalf("bootstrap session=%q err=%v", boot.SessionID, err)
	}

	frames := 0
	for {
		base, b := readMsg(t, conn)
		switch base.Type {
		case protocol.TypeFrame:
			frames++
		case protocol.TypeSignal:
			var sig protocol.SignalMsg
			if err := json.Unmarshal(b, &sig); err != nil {
				t.Fatalf("signal: %v", err)
			}
			if sig.Name != protocol.SignalPassDone {
				t.Fatalf("signal=%+v", sig)
			}
			if frames == 0 {
				t.Fatalf("PASS_DONE before any frame")
			}
			return
		default:
			t.Fatalf("unexpected message %q", base.Type)
		}
	}
}

func TestWS_rejectsBadHello(t *testing.T) {
	_, srv, _ := startBoard(t, nil)
	cases := map[string]struct {
		msg  protocol.HelloMsg
		code string
	}{
		"version": {protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.9"}, protocol.ErrProtoVersion},
		"type":    {protocol.HelloMsg{Type: protocol.TypeFrame, ProtocolVersion: protocol.Version}, protocol.ErrProtoBadRequest},
	}
	for name, tc := range cases {
		conn := dialViewer(t, srv, tc.msg)
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := conn.ReadMessage()
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Text != tc.code {
			t.Fatalf("%s: err=%v want close %s", name, err, tc.code)
		}
	}
}

func TestAdminReset_sendsReloadAndStopsEngine(t *testing.T) {
	_, srv, runErr := startBoard(t, nil)
	conn := dialViewer(t, srv, hello())
	if base, _ := readMsg(t, conn); base.Type != protocol.TypeBootstrap {
		t.Fatalf("first message %q", base.Type)
	}

	resp, err := http.Post(srv.URL+"/admin/v1/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("reset status=%d", resp.StatusCode)
	}

	gotReload := false
	for !gotReload {
		base, b := readMsg(t, conn)
		if base.Type != protocol.TypeSignal {
			continue
		}
		var sig protocol.SignalMsg
		_ = json.Unmarshal(b, &sig)
		gotReload = sig.Name == protocol.SignalReload
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Text != protocol.ErrBoardReloading {
		t.Fatalf("after RELOAD err=%v want close %s", err, protocol.ErrBoardReloading)
	}

	select {
	case err := <-runErr:
		if !errors.Is(err, engine.ErrReloaded) {
			t.Fatalf("run err=%v want ErrReloaded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not stop after reload")
	}

	resp, err = http.Get(srv.URL + "/v1/bootstrap")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("bootstrap after reload status=%d", resp.StatusCode)
	}
}

func TestAdmin_loopbackOnly(t *testing.T) {
	e := echo.New()
	NewServer(oneEngine{}, nil, quietLog()).Register(e)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "192.0.2.10:4242"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote state=%d want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "127.0.0.1:4242"
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("state without engine=%d want 503", rec.Code)
	}
}

func TestAdminFetches(t *testing.T) {
	e := echo.New()
	NewServer(oneEngine{}, nil, quietLog()).Register(e)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/fetches", nil)
	req.RemoteAddr = "[::1]:4242"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("disabled index=%d want 404", rec.Code)
	}

	idx := fakeIndex{recs: []feed.FetchRecord{{ID: "b", Plugin: "file"}, {ID: "a", Plugin: "file", Err: "boom"}}}
	e = echo.New()
	NewServer(oneEngine{}, idx, quietLog()).Register(e)

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/fetches?limit=1", nil)
	req.RemoteAddr = "127.0.0.1:4242"
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var got []feed.FetchRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v body=%s", err, rec.Body.String())
	}
	if rec.Code != http.StatusOK || len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("fetches=%d %+v", rec.Code, got)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/fetches?limit=zero", nil)
	req.RemoteAddr = "127.0.0.1:4242"
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit=%d want 400", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	_, srv, _ := startBoard(t, fakeIndex{})
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"# TYPE flapboard_tick gauge",
		"flapboard_generation 1",
		"# TYPE flapboard_passes_total counter",
		"flapboard_index_queue_depth 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}
