// fleet.go — FleetService: операции над парком машин-исполнителей.
//
// EnsureCapacity — добор ёмкости под архетип с дедупликацией по окну
// недавних созданий: машина поднимается несколько минут, и пока она
// поднимается, очередь продолжает показывать ту же нехватку. Повторные
// запросы в пределах окна не создают дубликатов.
//
// Остальные операции — жизненный цикл ноды: пометка простоя, зачистка
// простаивающих и «сирот», удаление с опциональной задержкой.
//
// Prometheus-метрики:
//   - bf_nodes_created_total — созданные машины (по архетипам)
//   - bf_nodes_reaped_total — уничтоженные машины (по причинам)
//   - bf_ensure_capacity_total — исходы запросов ёмкости
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/buildfleet/internal/ciserver"
	"github.com/arturkryukov/buildfleet/internal/domain/model"
	"github.com/arturkryukov/buildfleet/internal/provider"
	"github.com/arturkryukov/buildfleet/internal/repository"
)

// Причины уничтожения нод в метрике bf_nodes_reaped_total.
const (
	ReapReasonIdle           = "idle"
	ReapReasonOrphanInstance = "orphan_instance"
	ReapReasonOrphanRecord   = "orphan_record"
	ReapReasonAPI            = "api"
)

// Prometheus-метрики парка.
var (
	nodesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bf_nodes_created_total",
		Help: "Количество созданных машин-исполнителей",
	}, []string{"archetype"})

	nodesReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bf_nodes_reaped_total",
		Help: "Количество уничтоженных машин-исполнителей",
	}, []string{"reason"})

	ensureCapacityTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bf_ensure_capacity_total",
		Help: "Исходы запросов добора ёмкости",
	}, []string{"archetype", "outcome"}) // outcome: created, deduplicated, failed
)

// FleetParams — параметры reconciliation-цикла.
type FleetParams struct {
	// Окно дедупликации: недавно созданная машина считается ещё поднимающейся
	DedupWindow time.Duration
	// Доля запрошенной ёмкости, создаваемая за один проход
	BufferRatio float64
	// Таймаут простоя: машина, простаивающая дольше, уничтожается
	IdleTimeout time.Duration
	// Грейс-период записи, чья машина так и не зарегистрировалась в CI
	OrphanGrace time.Duration
}

// FleetService — операции над парком машин.
type FleetService struct {
	archetypes map[string]*model.Archetype
	repo       repository.FleetNodeRepository
	providers  *provider.Registry
	ci         ciserver.CIServer
	params     FleetParams
	logger     *slog.Logger

	// Пер-архетипные мьютексы: окно дедупликации читается и пополняется
	// под блокировкой, иначе два параллельных запроса одного архетипа
	// создали бы двойную ёмкость. Разные архетипы не блокируют друг друга.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// Учёт отложенных удалений для graceful shutdown
	pendingWG sync.WaitGroup
}

// NewFleetService создаёт сервис управления парком.
func NewFleetService(
	archetypes []*model.Archetype,
	repo repository.FleetNodeRepository,
	providers *provider.Registry,
	ci ciserver.CIServer,
	params FleetParams,
	logger *slog.Logger,
) *FleetService {
	byName := make(map[string]*model.Archetype, len(archetypes))
	for _, a := range archetypes {
		byName[a.Name] = a
	}
	return &FleetService{
		archetypes: byName,
		repo:       repo,
		providers:  providers,
		ci:         ci,
		params:     params,
		logger:     logger.With(slog.String("component", "fleet")),
		locks:      make(map[string]*sync.Mutex),
	}
}

// archetypeLock возвращает мьютекс архетипа, создавая его при первом обращении.
func (s *FleetService) archetypeLock(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[name] = mu
	}
	return mu
}

// EnsureCapacity добирает ёмкость архетипа под count застрявших задач.
// Если в окне дедупликации уже создано не меньше count машин этого
// архетипа, запрос пропускается целиком — ёмкость считается ещё
// поднимающейся. Иначе создаётся полный буфер ceil(count * BufferRatio).
// Возвращает число созданных машин.
//
// Ошибка создания одной машины не прерывает добор остальных: частичная
// ёмкость лучше нулевой. Ошибка конфигурации (битый шаблон скрипта)
// прерывает добор до обращения к провайдеру.
func (s *FleetService) EnsureCapacity(ctx context.Context, archetypeName string, count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}

	arch, ok := s.archetypes[archetypeName]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownArchetype, archetypeName)
	}

	mu := s.archetypeLock(archetypeName)
	mu.Lock()
	defer mu.Unlock()

	// Битая конфигурация — до каких-либо обращений к провайдеру
	if err := arch.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	prov, err := s.providers.Get(arch.Provider)
	if err != nil {
		return 0, err
	}

	buffered := int(math.Ceil(float64(count) * s.params.BufferRatio))

	// Дедупликация: если недавних машин не меньше запрошенного,
	// спрос уже покрыт поднимающейся ёмкостью — ничего не создаём.
	// Иначе создаётся полный буфер: недавние машины были зачтены в
	// предыдущих, меньших запросах этого же окна.
	since := time.Now().Add(-s.params.DedupWindow)
	recent, err := s.repo.CountCreatedSince(ctx, arch, since)
	if err != nil {
		return 0, fmt.Errorf("подсчёт недавних созданий: %w", err)
	}
	if recent >= count {
		s.logger.Info("Добор ёмкости не требуется: окно дедупликации покрывает запрос",
			slog.String("archetype", archetypeName),
			slog.Int("requested", count),
			slog.Int("recent", recent),
		)
		ensureCapacityTotal.WithLabelValues(archetypeName, "deduplicated").Inc()
		return 0, nil
	}

	created := 0
	var lastErr error
	for i := 0; i < buffered; i++ {
		if ctx.Err() != nil {
			break
		}
		if err := s.createOne(ctx, arch, prov); err != nil {
			lastErr = err
			s.logger.Error("Ошибка создания машины",
				slog.String("archetype", archetypeName),
				slog.String("error", err.Error()),
			)
			continue
		}
		created++
	}

	s.logger.Info("Добор ёмкости завершён",
		slog.String("archetype", archetypeName),
		slog.Int("requested", count),
		slog.Int("buffered", buffered),
		slog.Int("created", created),
	)

	if created > 0 {
		ensureCapacityTotal.WithLabelValues(archetypeName, "created").Inc()
	} else if lastErr != nil {
		ensureCapacityTotal.WithLabelValues(archetypeName, "failed").Inc()
		return 0, fmt.Errorf("ни одна машина не создана: %w", lastErr)
	}
	return created, nil
}

// createOne создаёт одну машину: идентификатор, запись в инвентаре,
// машина у провайдера. Запись пишется до вызова провайдера: потерянная
// запись безопаснее потерянной машины — запись зачистит orphan-цикл.
func (s *FleetService) createOne(ctx context.Context, arch *model.Archetype, prov provider.Provider) error {
	identifier := uuid.New().String()
	node := &model.FleetNode{
		Identifier: identifier,
		Archetype:  arch.Name,
		Image:      arch.Image,
		Size:       arch.Size,
		Keyname:    arch.Keyname,
		Provider:   arch.Provider,
		Labels:     append([]string(nil), arch.Labels...),
	}

	if err := s.repo.Create(ctx, node); err != nil {
		return fmt.Errorf("регистрация в инвентаре: %w", err)
	}

	req := provider.CreateRequest{
		Name:     node.CloudName(),
		Image:    arch.Image,
		Size:     arch.Size,
		Keyname:  arch.Keyname,
		UserData: []byte(arch.FormatScript(identifier)),
	}
	if _, err := prov.CreateNode(ctx, req); err != nil {
		// Машина не поднялась — запись сразу убирается, окно дедупликации
		// не должно засчитывать несуществующую ёмкость
		if delErr := s.repo.Delete(ctx, identifier); delErr != nil {
			s.logger.Warn("Не удалось убрать запись о несозданной машине",
				slog.String("identifier", identifier),
				slog.String("error", delErr.Error()),
			)
		}
		return fmt.Errorf("%w: создание машины: %v", ErrProviderUnavailable, err)
	}

	nodesCreatedTotal.WithLabelValues(arch.Name).Inc()
	s.logger.Info("Машина создана",
		slog.String("archetype", arch.Name),
		slog.String("identifier", identifier),
		slog.String("cloud_name", node.CloudName()),
	)
	return nil
}

// MarkIdle помечает ноду простаивающей. Повторная пометка не сдвигает
// отметку: таймаут простоя отсчитывается от первого сигнала.
func (s *FleetService) MarkIdle(ctx context.Context, identifier string) error {
	node, err := s.getNode(ctx, identifier)
	if err != nil {
		return err
	}
	if node.Idle() {
		return nil
	}
	now := time.Now().UTC()
	if err := s.repo.SetIdleSince(ctx, identifier, &now); err != nil {
		return fmt.Errorf("пометка простоя: %w", err)
	}
	s.logger.Debug("Нода помечена простаивающей", slog.String("identifier", identifier))
	return nil
}

// MarkActive сбрасывает отметку простоя: нода снова занята сборкой.
func (s *FleetService) MarkActive(ctx context.Context, identifier string) error {
	if _, err := s.getNode(ctx, identifier); err != nil {
		return err
	}
	if err := s.repo.SetIdleSince(ctx, identifier, nil); err != nil {
		return fmt.Errorf("сброс отметки простоя: %w", err)
	}
	s.logger.Debug("Нода помечена активной", slog.String("identifier", identifier))
	return nil
}

// Статусы машины у провайдера, когда настоящий статус недоступен.
const (
	// CloudStatusNotFound — машина отсутствует у провайдера
	CloudStatusNotFound = "NOT_FOUND"
	// CloudStatusUnknown — провайдер не ответил
	CloudStatusUnknown = "UNKNOWN"
)

// NodeStatus — состояние ноды для API.
type NodeStatus struct {
	Node *model.FleetNode
	// Возраст простоя; 0 — нода активна
	IdleFor time.Duration
	// Статус машины у провайдера (ACTIVE, BUILD, ERROR, ...)
	CloudStatus string
}

// Status возвращает состояние ноды по идентификатору, включая статус
// машины у провайдера. Недоступность провайдера не валит запрос:
// статус помечается UNKNOWN, остальное состояние отдаётся как есть.
func (s *FleetService) Status(ctx context.Context, identifier string) (*NodeStatus, error) {
	node, err := s.getNode(ctx, identifier)
	if err != nil {
		return nil, err
	}
	st := &NodeStatus{Node: node}
	if node.IdleSince != nil {
		st.IdleFor = time.Since(*node.IdleSince)
	}
	st.CloudStatus = s.cloudStatus(ctx, node)
	return st, nil
}

// cloudStatus запрашивает статус машины у провайдера.
func (s *FleetService) cloudStatus(ctx context.Context, node *model.FleetNode) string {
	prov, err := s.providers.Get(node.Provider)
	if err != nil {
		return CloudStatusUnknown
	}
	status, err := prov.NodeStatus(ctx, node.CloudName())
	if errors.Is(err, provider.ErrNodeNotFound) {
		return CloudStatusNotFound
	}
	if err != nil {
		s.logger.Warn("Ошибка запроса статуса машины у провайдера",
			slog.String("cloud_name", node.CloudName()),
			slog.String("error", err.Error()),
		)
		return CloudStatusUnknown
	}
	return status
}

// Delete уничтожает ноду: машина у провайдера, регистрация на CI-сервере,
// запись в инвентаре. Отсутствие машины или регистрации не ошибка —
// удаление идемпотентно. delay > 0 откладывает уничтожение (нода сама
// сообщила о завершении работы и хочет время дописать артефакты).
func (s *FleetService) Delete(ctx context.Context, identifier string, delay time.Duration, reason string) error {
	node, err := s.getNode(ctx, identifier)
	if err != nil {
		return err
	}

	if delay <= 0 {
		return s.destroy(ctx, node, reason)
	}

	s.logger.Info("Удаление ноды отложено",
		slog.String("identifier", identifier),
		slog.String("delay", delay.String()),
	)
	s.pendingWG.Add(1)
	go func() {
		defer s.pendingWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		<-timer.C
		// Отвязка от контекста запроса: он закрывается сразу после ответа,
		// а отложенное удаление должно пережить его. Свой таймаут.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if err := s.destroy(dctx, node, reason); err != nil {
			s.logger.Error("Ошибка отложенного удаления ноды",
				slog.String("identifier", identifier),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// WaitPending дожидается завершения отложенных удалений (graceful shutdown).
func (s *FleetService) WaitPending() {
	s.pendingWG.Wait()
}

// destroy — фактическое уничтожение ноды во всех трёх местах.
func (s *FleetService) destroy(ctx context.Context, node *model.FleetNode, reason string) error {
	name := node.CloudName()

	prov, err := s.providers.Get(node.Provider)
	if err != nil {
		return err
	}
	if err := prov.DestroyNode(ctx, name); err != nil && !errors.Is(err, provider.ErrNodeNotFound) {
		return fmt.Errorf("уничтожение машины %s: %w", name, err)
	}

	if err := s.ci.DeleteNode(ctx, name); err != nil {
		// Машины уже нет — оставлять регистрацию опаснее, чем запись:
		// Jenkins продолжил бы назначать на неё сборки
		return fmt.Errorf("%w: удаление регистрации %s: %v", ErrCIUnavailable, name, err)
	}

	if err := s.repo.Delete(ctx, node.Identifier); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("удаление записи %s из инвентаря: %w", node.Identifier, err)
	}

	nodesReapedTotal.WithLabelValues(reason).Inc()
	s.logger.Info("Нода уничтожена",
		slog.String("identifier", node.Identifier),
		slog.String("cloud_name", name),
		slog.String("reason", reason),
	)
	return nil
}

// SweepIdle сверяет отметки простоя с состоянием нод на CI-сервере и
// уничтожает простаивающие дольше таймаута. Вызывается из цикла сканера.
func (s *FleetService) SweepIdle(ctx context.Context) error {
	nodes, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("получение инвентаря: %w", err)
	}

	now := time.Now().UTC()
	for _, node := range nodes {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		info, err := s.ci.NodeInfo(ctx, node.CloudName())
		if errors.Is(err, ciserver.ErrNotFound) {
			// Ещё не зарегистрировалась — этим занимается orphan-цикл
			continue
		}
		if err != nil {
			s.logger.Warn("Ошибка запроса состояния ноды",
				slog.String("cloud_name", node.CloudName()),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch {
		case !info.Idle && node.Idle():
			// Нода снова занята — отметка снимается
			if err := s.repo.SetIdleSince(ctx, node.Identifier, nil); err != nil {
				s.logger.Warn("Ошибка сброса отметки простоя",
					slog.String("identifier", node.Identifier),
					slog.String("error", err.Error()),
				)
			}
		case info.Idle && !node.Idle():
			idleSince := now
			if err := s.repo.SetIdleSince(ctx, node.Identifier, &idleSince); err != nil {
				s.logger.Warn("Ошибка пометки простоя",
					slog.String("identifier", node.Identifier),
					slog.String("error", err.Error()),
				)
			}
		case info.Idle && node.Idle() && now.Sub(*node.IdleSince) > s.params.IdleTimeout:
			if err := s.destroy(ctx, node, ReapReasonIdle); err != nil {
				s.logger.Error("Ошибка уничтожения простаивающей ноды",
					slog.String("identifier", node.Identifier),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}

// SweepOrphans зачищает рассинхронизацию между облаком, инвентарём и CI:
//   - машина в облаке без записи в инвентаре — уничтожается;
//   - запись старше грейс-периода, чья машина так и не зарегистрировалась
//     на CI-сервере, — уничтожается вместе с машиной (поднятие не удалось).
//
// Свежие записи и машины не трогаются: машина поднимается несколько минут.
func (s *FleetService) SweepOrphans(ctx context.Context) error {
	nodes, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("получение инвентаря: %w", err)
	}
	known := make(map[string]*model.FleetNode, len(nodes))
	for _, n := range nodes {
		known[n.CloudName()] = n
	}

	// Машины в облаке без записи. Флот опознаётся по форме имени
	// <известный архетип>__<суффикс>: чужие машины тенанта не трогаем.
	seenProviders := make(map[string]bool)
	for _, node := range nodes {
		seenProviders[node.Provider] = true
	}
	for _, arch := range s.archetypes {
		seenProviders[arch.Provider] = true
	}

	for provName := range seenProviders {
		prov, err := s.providers.Get(provName)
		if err != nil {
			continue
		}
		names, err := prov.ListNodeNames(ctx)
		if err != nil {
			s.logger.Warn("Ошибка получения списка машин провайдера",
				slog.String("provider", provName),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, name := range names {
			if _, ok := known[name]; ok {
				continue
			}
			if !s.fleetName(name) {
				continue
			}
			s.logger.Info("Обнаружена машина-сирота без записи в инвентаре",
				slog.String("cloud_name", name),
			)
			if err := prov.DestroyNode(ctx, name); err != nil && !errors.Is(err, provider.ErrNodeNotFound) {
				s.logger.Error("Ошибка уничтожения машины-сироты",
					slog.String("cloud_name", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			// Регистрация на CI, если успела появиться
			if err := s.ci.DeleteNode(ctx, name); err != nil {
				s.logger.Warn("Ошибка удаления регистрации машины-сироты",
					slog.String("cloud_name", name),
					slog.String("error", err.Error()),
				)
			}
			nodesReapedTotal.WithLabelValues(ReapReasonOrphanInstance).Inc()
		}
	}

	// Записи, чья машина так и не зарегистрировалась на CI-сервере
	grace := time.Now().Add(-s.params.OrphanGrace)
	for _, node := range nodes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if node.CreatedAt.After(grace) {
			continue
		}
		exists, err := s.ci.NodeExists(ctx, node.CloudName())
		if err != nil {
			s.logger.Warn("Ошибка проверки регистрации ноды",
				slog.String("cloud_name", node.CloudName()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if exists {
			continue
		}
		s.logger.Info("Запись-сирота: машина не зарегистрировалась за грейс-период",
			slog.String("identifier", node.Identifier),
			slog.String("cloud_name", node.CloudName()),
		)
		if err := s.destroy(ctx, node, ReapReasonOrphanRecord); err != nil {
			s.logger.Error("Ошибка зачистки записи-сироты",
				slog.String("identifier", node.Identifier),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// fleetName проверяет, что облачное имя принадлежит флоту:
// <известный архетип>__<суффикс>.
func (s *FleetService) fleetName(name string) bool {
	idx := strings.Index(name, "__")
	if idx <= 0 {
		return false
	}
	_, ok := s.archetypes[name[:idx]]
	return ok
}

// getNode возвращает ноду или ErrNotFound сервисного слоя.
func (s *FleetService) getNode(ctx context.Context, identifier string) (*model.FleetNode, error) {
	node, err := s.repo.GetByIdentifier(ctx, identifier)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: нода %s", ErrNotFound, identifier)
	}
	if err != nil {
		return nil, fmt.Errorf("получение ноды: %w", err)
	}
	return node, nil
}
