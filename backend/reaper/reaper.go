package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/horneat/WebVideoChat/backend/retry"
	"github.com/rs/zerolog"
)

const (
	defaultGracePeriod   = 30 * time.Second
	defaultRoomIdleTTL   = time.Hour
	defaultConnIdleTTL   = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

type (
	RoomStore interface {
		DeleteIfEmpty(roomID string) bool
		SweepInactive(now time.Time, ttl time.Duration) []string
	}

	ConnRegistry interface {
		Sweep(now time.Time, ttl time.Duration) []string
	}

	Config struct {
		Logger   *zerolog.Logger
		Store    RoomStore
		Registry ConnRegistry
		After    retry.AfterFunc
		Now      func() time.Time

		GracePeriod   time.Duration
		RoomIdleTTL   time.Duration
		ConnIdleTTL   time.Duration
		SweepInterval time.Duration
	}

	// Reaper removes abandoned rooms and stale connection records.
	Reaper struct {
		logger   zerolog.Logger
		store    RoomStore
		registry ConnRegistry
		after    retry.AfterFunc
		now      func() time.Time

		grace         time.Duration
		roomIdleTTL   time.Duration
		connIdleTTL   time.Duration
		sweepInterval time.Duration
	}
)

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func New(cfg Config) *Reaper {
	r := &Reaper{
		logger:        cfg.Logger.With().Str("component", "reaper").Logger(),
		store:         cfg.Store,
		registry:      cfg.Registry,
		after:         cfg.After,
		now:           cfg.Now,
		grace:         orDefault(cfg.GracePeriod, defaultGracePeriod),
		roomIdleTTL:   orDefault(cfg.RoomIdleTTL, defaultRoomIdleTTL),
		connIdleTTL:   orDefault(cfg.ConnIdleTTL, defaultConnIdleTTL),
		sweepInterval: orDefault(cfg.SweepInterval, defaultSweepInterval),
	}
	if r.after == nil {
		r.after = retry.RealAfterFunc
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// ScheduleDeletion deletes the room after the grace period unless somebody is in it by then.
// Nothing cancels the timer: a rejoin simply makes the check at fire time fail.
func (r *Reaper) ScheduleDeletion(roomID string) {
	r.logger.Debug().
		Str("roomID", roomID).
		Dur("grace", r.grace).
		Msg("room is empty, deletion scheduled")
	r.after(r.grace, func() {
		if r.store.DeleteIfEmpty(roomID) {
			r.logger.Info().Str("roomID", roomID).Msg("empty room deleted")
		} else {
			r.logger.Debug().Str("roomID", roomID).Msg("room deletion skipped")
		}
	})
}

// Sweep runs one pass over inactive rooms and stale connections.
func (r *Reaper) Sweep() {
	now := r.now()
	rooms := r.store.SweepInactive(now, r.roomIdleTTL)
	for _, roomID := range rooms {
		r.logger.Debug().Str("roomID", roomID).Msg("inactive room deleted")
	}
	var conns []string
	if r.registry != nil {
		conns = r.registry.Sweep(now, r.connIdleTTL)
		for _, connID := range conns {
			r.logger.Debug().Str("connID", connID).Msg("stale connection record dropped")
		}
	}
	if len(rooms) > 0 || len(conns) > 0 {
		r.logger.Info().
			Int("rooms", len(rooms)).
			Int("connections", len(conns)).
			Msg("sweep finished")
	}
}

func (r *Reaper) Run(ctx context.Context, wg *sync.WaitGroup, _ chan<- error) {
	ticker := time.NewTicker(r.sweepInterval)
	defer func() {
		ticker.Stop()
		r.logger.Debug().Msg("reaper stopped")
		wg.Done()
	}()

	r.logger.Info().Dur("interval", r.sweepInterval).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
