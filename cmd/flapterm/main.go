package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"flapboard.app/internal/flap/termview"
	"flapboard.app/internal/protocol"
)

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ws", "viewer ws url")
		name    = flag.String("name", "flapterm", "viewer name")
		queue   = flag.Int("queue", 512, "server-side queue depth requested in HELLO")
		redraw  = flag.Duration("redraw", 50*time.Millisecond, "minimum time between redraws")
		retry   = flag.Duration("retry", time.Second, "delay before reconnecting after a reload")
		oneShot = flag.Bool("once", false, "exit instead of reconnecting when the board reloads")
	)
	flag.Parse()

	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.WithField("component", "flapterm")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	for {
		err := watch(*url, protocol.HelloMsg{
			Type:            protocol.TypeHello,
			ProtocolVersion: protocol.Version,
			ViewerName:      *name,
			MaxQueue:        *queue,
		}, *redraw, stop)
		if errors.Is(err, errInterrupted) {
			return
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			logger.WithField("reason", ce.Text).Info("board closed the stream")
		} else if err != nil {
			logger.WithError(err).Warn("stream ended")
		}
		if *oneShot {
			return
		}
		select {
		case <-stop:
			return
		case <-time.After(*retry):
		}
	}
}

var errInterrupted = errors.New("interrupted")

// watch runs one viewer session: HELLO, BOOTSTRAP, then frames until the
// connection ends.
func watch(url string, hello protocol.HelloMsg, every time.Duration, stop <-chan os.Signal) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var boot protocol.BootstrapMsg
	if err := json.Unmarshal(msg, &boot); err != nil || boot.Type != protocol.TypeBootstrap {
		return fmt.Errorf("expected BOOTSTRAP")
	}
	view := termview.New(boot)
	draw(view)

	msgs := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msgs <- b
		}
	}()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	dirty := false
	for {
		select {
		case <-stop:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			return errInterrupted
		case b, ok := <-msgs:
			if !ok {
				draw(view)
				return <-readErr
			}
			typ, err := view.Apply(b)
			if err != nil {
				log.WithError(err).Debug("skip message")
				continue
			}
			dirty = true
			if typ == protocol.TypeSignal && view.Reloaded {
				draw(view)
			}
		case <-ticker.C:
			if dirty {
				draw(view)
				dirty = false
			}
		}
	}
}

func draw(v *termview.View) {
	fmt.Print("\x1b[H\x1b[2J")
	fmt.Println(v.Render())
}
