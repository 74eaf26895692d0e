// Package watcher turns new inbound objects into pipeline work. It polls the
// inbound container on an interval and dispatches unseen files to a bounded
// worker pool; files observed in the same sweep share a package label.
package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"filerelay/internal/pipeline"
	"filerelay/internal/store"
	"filerelay/pkg/logger"
)

// Processor drives one file to a terminal state.
type Processor interface {
	Process(ctx context.Context, fileName, packageLabel string) (*pipeline.FileTask, error)
}

type Config struct {
	Inbound  string
	Interval time.Duration
	Workers  int
}

type Watcher struct {
	store  store.ObjectStore
	proc   Processor
	dedupe Dedupe
	cfg    Config
	log    zerolog.Logger
}

func New(st store.ObjectStore, proc Processor, dedupe Dedupe, cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if dedupe == nil {
		dedupe = NewMemoryDedupe()
	}
	return &Watcher{
		store:  st,
		proc:   proc,
		dedupe: dedupe,
		cfg:    cfg,
		log:    logger.Component("watcher"),
	}
}

// Run sweeps the inbound container until the context is cancelled. A sweep
// error aborts the loop: the only error a sweep propagates is an audit log
// failure, which must halt processing.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := w.Sweep(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep lists the inbound container once and processes unseen files
// concurrently. Tasks are independent; no ordering is guaranteed between them.
func (w *Watcher) Sweep(ctx context.Context) error {
	objs, err := w.store.List(ctx, w.cfg.Inbound, "")
	if err != nil {
		w.log.Warn().Err(err).Msg("inbound listing failed, will retry next sweep")
		return nil
	}
	if len(objs) == 0 {
		return nil
	}

	label := uuid.NewString()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)

	dispatched := 0
	for _, obj := range objs {
		name := obj.Location.Key

		claimed, err := w.dedupe.Claim(ctx, name)
		if err != nil {
			// Dedupe backend trouble: process anyway. A duplicate trigger for
			// an already-moved file resolves as ErrAlreadyGone.
			w.log.Warn().Err(err).Str("file", name).Msg("dedupe claim failed, processing anyway")
		} else if !claimed {
			continue
		}

		dispatched++
		g.Go(func() error {
			task, err := w.proc.Process(gctx, name, label)
			if errors.Is(err, pipeline.ErrAlreadyGone) {
				w.log.Debug().Str("file", name).Msg("file already picked up")
				return nil
			}
			if err != nil {
				return err
			}
			w.log.Info().Str("file", name).Str("state", string(task.State)).Msg("task finished")
			return nil
		})
	}

	if dispatched > 0 {
		w.log.Info().Int("files", dispatched).Str("package", label).Msg("sweep dispatched")
	}
	return g.Wait()
}
