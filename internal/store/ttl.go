package store

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"veritor/internal/logging"
)

// Sweeper deletes expired steps and memory rows from a workspace database on
// an interval. Sweeps are best effort; a failed pass logs and retries on the
// next tick.
type Sweeper struct {
	db        *sql.DB
	stepsTTL  time.Duration
	memoryTTL time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

// NewSweeper builds a sweeper for a workspace database.
func NewSweeper(ws *WorkspaceStore, stepsTTLDays, memoryTTLDays int, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		db:        ws.DB(),
		stepsTTL:  time.Duration(stepsTTLDays) * 24 * time.Hour,
		memoryTTL: time.Duration(memoryTTLDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logging.Named("store.ttl"),
	}
}

// Run sweeps until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce deletes expired rows and returns how many were removed.
func (s *Sweeper) SweepOnce() int64 {
	now := nowUnix()
	var removed int64
	if s.stepsTTL > 0 {
		if res, err := s.db.Exec(`DELETE FROM steps WHERE ts < ?`, now-s.stepsTTL.Seconds()); err == nil {
			n, _ := res.RowsAffected()
			removed += n
		} else {
			s.logger.Warn("steps sweep failed", zap.Error(err))
		}
	}
	if s.memoryTTL > 0 {
		if res, err := s.db.Exec(`DELETE FROM memory WHERE ts < ?`, now-s.memoryTTL.Seconds()); err == nil {
			n, _ := res.RowsAffected()
			removed += n
		} else {
			s.logger.Warn("memory sweep failed", zap.Error(err))
		}
	}
	if removed > 0 {
		s.logger.Info("ttl sweep removed rows", zap.Int64("rows", removed))
	}
	return removed
}
