package service

import (
	"context"
	"log/slog"
	"time"

	"relay/internal/server/handoff"
)

// PurgeService periodically removes expired shares: blob objects first,
// then the database rows. Redemptions racing a purge either finish on the
// snapshot they already read or see not-found; no coordination is needed.
type PurgeService struct {
	store    RecordStore
	signer   handoff.Signer
	interval time.Duration
	done     chan struct{}
}

// NewPurgeService creates a purge service.
func NewPurgeService(store RecordStore, signer handoff.Signer, interval time.Duration) *PurgeService {
	return &PurgeService{
		store:    store,
		signer:   signer,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the purge loop in a background goroutine.
func (ps *PurgeService) Start(ctx context.Context) {
	slog.Info("purge service started", "interval", ps.interval)

	go func() {
		ticker := time.NewTicker(ps.interval)
		defer ticker.Stop()

		// Run once immediately on start
		ps.runPurge(ctx)

		for {
			select {
			case <-ticker.C:
				ps.runPurge(ctx)
			case <-ctx.Done():
				slog.Info("purge service stopping")
				close(ps.done)
				return
			}
		}
	}()
}

// Wait blocks until the purge service has fully stopped.
func (ps *PurgeService) Wait() {
	<-ps.done
}

func (ps *PurgeService) runPurge(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := ps.store.GetExpired(ctx, now)
	if err != nil {
		slog.Error("failed to get expired shares", "error", err)
		return
	}

	if len(expired) == 0 {
		return
	}

	// Blob objects go first; a share whose objects survive a failed delete
	// is retried on the next cycle because the row purge below only covers
	// shares expired before this cycle's cutoff.
	var keys []string
	for _, share := range expired {
		for _, f := range share.Files {
			keys = append(keys, f.StorageKey)
		}
	}
	if len(keys) > 0 {
		if err := ps.signer.RemoveObjects(ctx, keys); err != nil {
			slog.Error("failed to remove some expired objects", "error", err)
		}
	}

	purged, err := ps.store.PurgeExpired(ctx, now)
	if err != nil {
		slog.Error("failed to purge expired shares", "error", err)
		return
	}

	slog.Info("purge cycle complete", "purged", purged, "objects", len(keys))
}
