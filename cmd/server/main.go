package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"flapboard.app/internal/config"
	"flapboard.app/internal/feed"
	"flapboard.app/internal/persistence/indexdb"
	persistlog "flapboard.app/internal/persistence/log"
	"flapboard.app/internal/transport/viewer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/board.yaml", "board config path (empty for defaults)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite fetch/pass index")
	)
	flag.Parse()

	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.WithField("service", "flapboard")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "flapboard.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
	}

	fcfg := feed.FetcherConfig{
		Plugin: cfg.Items.Plugin,
		Feed:   cfg.FeedConfig(),
		Log:    logger,
	}
	if idx != nil {
		fcfg.Recorder = idx
	}
	fetcher, err := feed.NewFetcher(fcfg)
	if err != nil {
		logger.Fatalf("feed: %v", err)
	}
	defer fetcher.Close()

	passLog := persistlog.NewPassLogger(*dataDir)
	defer passLog.Close()

	host := &boardHost{
		cfg:     cfg.Engine(),
		fetcher: fetcher,
		passLog: passLog,
		log:     logger,
	}
	var fetchIndex viewer.FetchIndex
	if idx != nil {
		host.index = idx
		fetchIndex = idx
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := host.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("board stopped")
			cancel()
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	viewer.NewServer(host, fetchIndex, logger).Register(e)

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = e.Shutdown(ctx2)
	}()

	logger.WithFields(log.Fields{
		"addr":   *addr,
		"plugin": cfg.Items.Plugin,
		"rows":   cfg.Board.NumRows,
	}).Info("listening")
	if err := e.Start(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("start: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
