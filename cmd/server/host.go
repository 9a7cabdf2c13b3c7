package main

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"flapboard.app/internal/flap/engine"
)

// boardHost keeps one engine running at a time. A reset ends an engine with
// ErrReloaded; the host then builds a fresh one from the same configuration,
// which is the server-side half of a page reload.
type boardHost struct {
	cfg     engine.Config
	fetcher engine.Fetcher
	passLog engine.PassLogger
	index   engine.PassIndex
	log     logrus.FieldLogger

	cur atomic.Pointer[engine.Engine]
	gen atomic.Uint64
}

func (h *boardHost) Current() *engine.Engine { return h.cur.Load() }
func (h *boardHost) Generation() uint64      { return h.gen.Load() }

// Run blocks until ctx is done or an engine fails for a reason other than a
// reload.
func (h *boardHost) Run(ctx context.Context) error {
	for {
		eng, err := engine.New(h.cfg, h.fetcher, h.log)
		if err != nil {
			return err
		}
		if h.passLog != nil {
			eng.SetPassLogger(h.passLog)
		}
		if h.index != nil {
			eng.SetPassIndex(h.index)
		}
		h.cur.Store(eng)
		gen := h.gen.Add(1)
		h.log.WithField("generation", gen).Info("board engine started")

		err = eng.Run(ctx)
		if errors.Is(err, engine.ErrReloaded) && ctx.Err() == nil {
			continue
		}
		return err
	}
}
