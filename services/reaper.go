package services

import (
	"context"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/logging"
)

// SessionReaper periodically aborts upload sessions that outlived their TTL.
type SessionReaper struct {
	sessions SessionManager
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger logging.Logger
}

func NewSessionReaper(parent context.Context, sessions SessionManager, interval time.Duration, l logging.Logger) *SessionReaper {
	ctx, cancel := context.WithCancel(parent)

	return &SessionReaper{
		sessions: sessions,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		logger:   l,
	}
}

func (r *SessionReaper) Start() {
	if r.interval <= 0 {
		r.logger.Info("session reaper disabled")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
}

func (r *SessionReaper) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := r.sessions.ReapExpired(r.ctx, now); err != nil {
				r.logger.Error("session reaping failed", "error", err)
			}
		}
	}
}

func (r *SessionReaper) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
