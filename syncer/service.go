// Package syncer runs the branch side of store/central replication: a single
// loop that uploads pending change-log entries, then downloads and applies
// the central's changes, then sleeps.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/breez/shop-sync/capture"
)

type Service struct {
	identity   IdentitySource
	capturer   *capture.Capturer
	uploader   *Uploader
	downloader *Downloader
	interval   time.Duration
	metrics    *Metrics
	trigger    chan struct{}
}

// NewService builds the loop. capturer may be nil; when set it receives the
// identity of every cycle as capture provenance.
func NewService(identity IdentitySource, capturer *capture.Capturer, uploader *Uploader, downloader *Downloader, interval time.Duration, metrics *Metrics) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		identity:   identity,
		capturer:   capturer,
		uploader:   uploader,
		downloader: downloader,
		interval:   interval,
		metrics:    metrics,
		trigger:    make(chan struct{}, 1),
	}
}

// Trigger cuts the current sleep short.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done. Cycle failures are logged and retried after
// the normal delay.
func (s *Service) Run(ctx context.Context) error {
	slog.Info("sync loop started", "interval", s.interval)
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			slog.Info("sync loop stopped")
			return nil
		case <-time.After(s.interval):
		case <-s.trigger:
		}
	}
}

// RunOnce performs one upload then download cycle with a fresh identity
// snapshot.
func (s *Service) RunOnce(ctx context.Context) {
	id := s.identity.Identity()
	if id.IsCentral() || !id.Resolved() {
		slog.Debug("sync cycle skipped", "role", id.Role, "storeId", id.StoreID)
		return
	}
	if s.capturer != nil {
		s.capturer.SetMetadata(id.metadata())
	}

	uploaded, err := s.guard(ctx, func(ctx context.Context) (int, error) {
		return s.uploader.RunCycle(ctx, id)
	})
	s.metrics.cycle(directionUpload, err)
	if err != nil && ctx.Err() == nil {
		slog.Error("upload cycle failed", "error", err)
	}
	if ctx.Err() != nil {
		return
	}

	applied, err := s.guard(ctx, func(ctx context.Context) (int, error) {
		return s.downloader.RunCycle(ctx, id)
	})
	s.metrics.cycle(directionDownload, err)
	if err != nil && ctx.Err() == nil {
		slog.Error("download cycle failed", "error", err)
	}
	if uploaded > 0 || applied > 0 {
		slog.Info("sync cycle finished", "uploaded", uploaded, "applied", applied)
	}
}

func (s *Service) guard(ctx context.Context, fn func(context.Context) (int, error)) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle panicked: %v", r)
		}
	}()
	return fn(ctx)
}
