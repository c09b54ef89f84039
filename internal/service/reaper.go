// reaper.go — сервис периодической зачистки «сирот».
//
// OrphanReaper запускает фоновую горутину с ticker (BF_ORPHAN_SWEEP_INTERVAL),
// которая сверяет три источника истины — облако, инвентарь, CI-сервер —
// и уничтожает рассинхронизированные остатки (FleetService.SweepOrphans).
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var orphanSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "bf_orphan_sweep_duration_seconds",
	Help:    "Длительность одного прохода зачистки сирот",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
})

// OrphanReaper — фоновый сервис зачистки сирот.
type OrphanReaper struct {
	fleet    *FleetService
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrphanReaper создаёт сервис зачистки сирот.
func NewOrphanReaper(fleet *FleetService, interval time.Duration, logger *slog.Logger) *OrphanReaper {
	return &OrphanReaper{
		fleet:    fleet,
		interval: interval,
		logger:   logger.With(slog.String("component", "orphan_reaper")),
	}
}

// Start запускает фоновую горутину с периодической зачисткой.
func (r *OrphanReaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		r.logger.Info("Зачистка сирот запущена",
			slog.String("interval", r.interval.String()),
		)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Зачистка сирот остановлена")
				return
			case <-ticker.C:
				started := time.Now()
				if err := r.fleet.SweepOrphans(ctx); err != nil {
					r.logger.Error("Ошибка зачистки сирот", slog.String("error", err.Error()))
				}
				orphanSweepDuration.Observe(time.Since(started).Seconds())
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (r *OrphanReaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}
