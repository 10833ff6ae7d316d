package pool

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/metrics"
)

// Prober makes one cheap upstream call with a credential.
type Prober interface {
	Probe(ctx context.Context, key string) error
}

// SweepReport counts the credentials each maintenance step changed.
type SweepReport struct {
	Reclaimed      int `json:"reclaimed"`
	RecoveredLocks int `json:"recovered_locks"`
	DailyReset     int `json:"daily_reset"`
	Probed         int `json:"probed"`
	Reactivated    int `json:"reactivated"`
}

// Sweeper runs the pool maintenance steps.
type Sweeper struct {
	pool        *Pool
	prober      Prober
	concurrency int
	logger      *slog.Logger
}

// NewSweeper creates a new Sweeper. A nil prober skips health probes.
func NewSweeper(p *Pool, prober Prober) *Sweeper {
	return &Sweeper{
		pool:        p,
		prober:      prober,
		concurrency: 4,
		logger:      slog.Default().With("component", "sweeper"),
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil // Sweeping disabled
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs every maintenance step once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var err error

	if report.Reclaimed, err = s.pool.ReclaimCooled(ctx); err != nil {
		return report, err
	}
	if report.RecoveredLocks, err = s.pool.RecoverStaleLocks(ctx); err != nil {
		return report, err
	}
	if report.DailyReset, err = s.pool.ResetDaily(ctx); err != nil {
		return report, err
	}
	if report.Probed, report.Reactivated, err = s.ProbeDisabled(ctx); err != nil {
		return report, err
	}

	metrics.SweepActions.WithLabelValues("reclaimed").Add(float64(report.Reclaimed))
	metrics.SweepActions.WithLabelValues("recovered_lock").Add(float64(report.RecoveredLocks))
	metrics.SweepActions.WithLabelValues("daily_reset").Add(float64(report.DailyReset))
	metrics.SweepActions.WithLabelValues("reactivated").Add(float64(report.Reactivated))

	if report != (SweepReport{}) {
		s.logger.Info("Sweep finished",
			"reclaimed", report.Reclaimed,
			"recovered_locks", report.RecoveredLocks,
			"daily_reset", report.DailyReset,
			"probed", report.Probed,
			"reactivated", report.Reactivated,
		)
	}
	return report, nil
}

// ProbeDisabled probes each Disabled credential not rejected for invalid auth
// and reactivates those the upstream accepts.
func (s *Sweeper) ProbeDisabled(ctx context.Context) (probed, reactivated int, err error) {
	if s.prober == nil {
		return 0, 0, nil
	}
	creds, err := s.pool.listStatus(ctx, domain.StatusDisabled)
	if err != nil {
		return 0, 0, err
	}

	var nProbed, nReactivated atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, c := range creds {
		if c.Reason == domain.ReasonInvalidAuth {
			continue
		}
		g.Go(func() error {
			nProbed.Add(1)
			if err := s.prober.Probe(gctx, c.ID); err != nil {
				s.logger.Debug("Probe failed", "key", domain.MaskKey(c.ID), "error", err)
				return nil
			}
			ok, err := s.pool.reactivate(gctx, c, domain.ReasonHealthCheck, true)
			if err != nil {
				return err
			}
			if ok {
				nReactivated.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(nProbed.Load()), int(nReactivated.Load()), err
}
