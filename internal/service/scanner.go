// scanner.go — сервис периодического сканирования очереди сборок.
//
// QueueScanner запускает фоновую горутину с ticker (BF_SCAN_INTERVAL):
//  1. GET очереди сборок → отбор застрявших задач
//  2. Подбор архетипа под каждую задачу (matcher)
//  3. Добор ёмкости по архетипам (FleetService.EnsureCapacity)
//  4. Сверка отметок простоя и зачистка отстоявших таймаут
//
// Prometheus-метрики:
//   - bf_queue_scan_duration_seconds — длительность прохода
//   - bf_stuck_tasks_total — застрявшие задачи (по архетипам)
//   - bf_match_failures_total — задачи, для которых архетип не подобран
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/buildfleet/internal/ciserver"
	"github.com/arturkryukov/buildfleet/internal/matcher"
)

// Prometheus-метрики сканера очереди.
var (
	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bf_queue_scan_duration_seconds",
		Help:    "Длительность одного прохода сканера очереди",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms … ~102s
	})

	stuckTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bf_stuck_tasks_total",
		Help: "Количество застрявших задач очереди",
	}, []string{"archetype"})

	matchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bf_match_failures_total",
		Help: "Задачи, для которых не удалось подобрать архетип",
	})
)

// QueueScanner — фоновый сервис сканирования очереди сборок.
type QueueScanner struct {
	ci       ciserver.CIServer
	matcher  *matcher.Matcher
	fleet    *FleetService
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueueScanner создаёт сканер очереди.
func NewQueueScanner(
	ci ciserver.CIServer,
	m *matcher.Matcher,
	fleet *FleetService,
	interval time.Duration,
	logger *slog.Logger,
) *QueueScanner {
	return &QueueScanner{
		ci:       ci,
		matcher:  m,
		fleet:    fleet,
		interval: interval,
		logger:   logger.With(slog.String("component", "queue_scanner")),
	}
}

// Start запускает фоновую горутину с периодическим сканированием.
// Вызывается один раз при старте приложения.
func (s *QueueScanner) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Сканер очереди сборок запущен",
			slog.String("interval", s.interval.String()),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Сканер очереди сборок остановлен")
				return
			case <-ticker.C:
				if err := s.ScanOnce(ctx); err != nil {
					s.logger.Error("Ошибка прохода сканера", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *QueueScanner) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// ScanOnce — один проход: очередь → подбор архетипов → добор ёмкости →
// сверка простоя. Недоступность CI-сервера не фатальна: проход
// пропускается, следующий tick попробует снова.
func (s *QueueScanner) ScanOnce(ctx context.Context) error {
	started := time.Now()
	defer func() {
		scanDuration.Observe(time.Since(started).Seconds())
	}()

	tasks, err := s.ci.QueueInfo(ctx)
	if err != nil {
		return err
	}

	// Подбор архетипа и подсчёт нехватки по архетипам
	tally := make(map[string]int)
	for _, task := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !task.Stuck && !matcher.IsStuck(task.Why) {
			continue
		}

		arch := s.matcher.Resolve(ctx, task)
		if arch == "" {
			matchFailuresTotal.Inc()
			s.logger.Warn("Архетип для застрявшей задачи не подобран",
				slog.String("task", task.Task.Name),
				slog.String("why", task.Why),
			)
			continue
		}
		tally[arch]++
		stuckTasksTotal.WithLabelValues(arch).Inc()
	}

	// Добор ёмкости: ошибка одного архетипа не мешает остальным
	for arch, count := range tally {
		if _, err := s.fleet.EnsureCapacity(ctx, arch, count); err != nil {
			s.logger.Error("Ошибка добора ёмкости",
				slog.String("archetype", arch),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(tally) > 0 {
		s.logger.Info("Проход сканера завершён",
			slog.Int("stuck_tasks", len(tasks)),
			slog.Int("archetypes", len(tally)),
		)
	}

	// Сверка отметок простоя в том же цикле
	if err := s.fleet.SweepIdle(ctx); err != nil {
		s.logger.Error("Ошибка сверки простоя", slog.String("error", err.Error()))
	}

	return nil
}
