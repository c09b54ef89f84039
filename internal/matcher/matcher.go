// matcher.go — цепочка подбора архетипа машины под классифицированную
// причину блокировки. Порядок попыток зависит от вида причины; все ветви
// best-effort: неудача любой ступени — переход к следующей, итог «не
// подобрали» — не ошибка.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/arturkryukov/buildfleet/internal/ciserver"
	"github.com/arturkryukov/buildfleet/internal/domain/model"
	"github.com/arturkryukov/buildfleet/internal/labelexpr"
)

// Размер и TTL кэша меток кастомных нод: config.xml нод меняется редко,
// а lookup дорогой (поход на CI-сервер на каждый застрявший элемент очереди).
const (
	nodeLabelsCacheSize = 128
	nodeLabelsCacheTTL  = 10 * time.Minute
)

// Matcher подбирает имя архетипа по причине блокировки очереди.
// Порядок итерации по архетипам — конфигурационный; правило вхождения
// имени (подстрока) безопасно только при попарно непересекающихся именах,
// что проверяется при загрузке конфигурации.
type Matcher struct {
	archetypes []*model.Archetype
	engine     *labelexpr.Engine
	ci         ciserver.CIServer
	nodeLabels *expirable.LRU[string, []string]
	logger     *slog.Logger
}

// New создаёт Matcher над таблицей архетипов.
func New(archetypes []*model.Archetype, engine *labelexpr.Engine, ci ciserver.CIServer, logger *slog.Logger) *Matcher {
	return &Matcher{
		archetypes: archetypes,
		engine:     engine,
		ci:         ci,
		nodeLabels: expirable.NewLRU[string, []string](nodeLabelsCacheSize, nil, nodeLabelsCacheTTL),
		logger:     logger.With(slog.String("component", "matcher")),
	}
}

// Resolve — полная цепочка: классификация причины, подбор по виду,
// затем fallback-источники токена (builtOn последней сборки, оси
// matrix-задачи, assigned-node выражение job'а).
// Возвращает имя архетипа или пустую строку.
func (m *Matcher) Resolve(ctx context.Context, task ciserver.QueueTask) string {
	reason := Classify(task.Why)
	if name := m.Match(ctx, reason); name != "" {
		return name
	}

	if name := m.FromBuild(ctx, task.Task.Name); name != "" {
		m.logger.Info("Архетип подобран по builtOn последней сборки",
			slog.String("job", task.Task.Name),
			slog.String("archetype", name),
		)
		return name
	}
	if name := m.FromAxes(ctx, task.Task.Name); name != "" {
		m.logger.Info("Архетип подобран по осям matrix-задачи",
			slog.String("job", task.Task.Name),
			slog.String("archetype", name),
		)
		return name
	}
	if name := m.FromJobConfig(ctx, task.Task.URL); name != "" {
		m.logger.Info("Архетип подобран по assigned-node выражению job'а",
			slog.String("job", task.Task.Name),
			slog.String("archetype", name),
		)
		return name
	}

	m.logger.Warn("Не удалось подобрать архетип",
		slog.String("job", task.Task.Name),
		slog.String("kind", reason.Kind.String()),
		slog.String("why", task.Why),
	)
	return ""
}

// Match подбирает архетип по уже классифицированной причине.
func (m *Matcher) Match(ctx context.Context, reason Reason) string {
	switch reason.Kind {
	case KindBusy:
		return m.fromToken(ctx, reason.Token)

	case KindLabelOffline:
		// только точное совпадение одиночной метки, без fallback на выражения
		if a := m.byLabel(reason.Token); a != nil {
			return a.Name
		}
		return ""

	case KindNodeOffline:
		if a := m.byName(reason.Token); a != nil {
			return a.Name
		}
		if base, ok := stripIdentifierSuffix(reason.Token); ok {
			if a := m.byName(base); a != nil {
				return a.Name
			}
		}
		return ""

	case KindNodeLabelOffline:
		if a := m.byLabel(reason.Token); a != nil {
			return a.Name
		}
		if strings.Contains(reason.Token, "&&") {
			sublabels := strings.Split(reason.Token, "&&")
			for i := range sublabels {
				sublabels[i] = strings.TrimSpace(sublabels[i])
			}
			for _, a := range m.archetypes {
				if a.HasAllLabels(sublabels) {
					return a.Name
				}
			}
		}
		if matched := m.engine.MatchingArchetypes(reason.Token, m.archetypes); len(matched) > 0 {
			return matched[0]
		}
		return ""
	}

	return ""
}

// fromToken — общая цепочка для busy-причин и fallback-токенов:
// имя → одиночная метка → срез хвоста __<suffix> → label-выражение →
// метки кастомной ноды с CI-сервера.
func (m *Matcher) fromToken(ctx context.Context, token string) string {
	if token == "" {
		return ""
	}

	if a := m.byName(token); a != nil {
		return a.Name
	}
	if a := m.byLabel(token); a != nil {
		return a.Name
	}

	if base, ok := stripIdentifierSuffix(token); ok {
		if a := m.byName(base); a != nil {
			return a.Name
		}
		if a := m.byLabel(base); a != nil {
			return a.Name
		}
	}

	// токен может оказаться целым label-выражением
	if matched := m.engine.MatchingArchetypes(token, m.archetypes); len(matched) > 0 {
		return matched[0]
	}

	// последняя попытка: токен — имя кастомной ноды, смотрим её метки
	labels, err := m.customNodeLabels(ctx, token)
	if err != nil || len(labels) == 0 {
		return ""
	}
	for _, a := range m.archetypes {
		if a.HasAllLabels(labels) {
			return a.Name
		}
	}
	return ""
}

// FromBuild выводит токен из имени исполнителя последней сборки job'а.
func (m *Matcher) FromBuild(ctx context.Context, jobName string) string {
	if jobName == "" {
		return ""
	}
	info, err := m.ci.JobInfo(ctx, jobName)
	if err != nil {
		if !errors.Is(err, ciserver.ErrNotFound) {
			m.logger.Warn("Ошибка запроса job", slog.String("job", jobName), slog.String("error", err.Error()))
		}
		return ""
	}
	last := info.NextBuildNumber - 1
	if last < 1 {
		return ""
	}
	build, err := m.ci.BuildInfo(ctx, jobName, last)
	if err != nil {
		if !errors.Is(err, ciserver.ErrNotFound) {
			m.logger.Warn("Ошибка запроса сборки", slog.String("job", jobName), slog.String("error", err.Error()))
		}
		return ""
	}
	return m.fromToken(ctx, build.BuiltOn)
}

// FromAxes выводит токены из строки осей matrix-задачи:
// "ARCH=amd64,DIST=wheezy" → значения осей, с дедупликацией.
func (m *Matcher) FromAxes(ctx context.Context, taskName string) string {
	if !strings.Contains(taskName, "=") {
		return ""
	}

	seen := make(map[string]struct{})
	for _, axis := range strings.Split(taskName, ",") {
		parts := strings.Split(axis, "=")
		value := strings.TrimSpace(parts[len(parts)-1])
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}

		if name := m.fromToken(ctx, value); name != "" {
			return name
		}
	}
	return ""
}

// FromJobConfig выводит токен из assigned-node выражения конфигурации job'а.
func (m *Matcher) FromJobConfig(ctx context.Context, jobURL string) string {
	if jobURL == "" {
		return ""
	}
	expr, err := m.ci.JobConfig(ctx, jobURL)
	if err != nil {
		if !errors.Is(err, ciserver.ErrNotFound) {
			m.logger.Warn("Ошибка запроса config.xml job", slog.String("url", jobURL), slog.String("error", err.Error()))
		}
		return ""
	}
	return m.fromToken(ctx, expr)
}

// byName ищет архетип по имени: точное равенство либо вхождение
// конфигурационного имени в токен как подстроки (покрывает формы вида
// "<ip>__<name>__<suffix>" и "wheezy+192.168.1.12").
func (m *Matcher) byName(token string) *model.Archetype {
	for _, a := range m.archetypes {
		if a.Name == token || strings.Contains(token, a.Name) {
			return a
		}
	}
	return nil
}

// byLabel ищет архетип, несущий метку token.
func (m *Matcher) byLabel(token string) *model.Archetype {
	for _, a := range m.archetypes {
		if a.HasLabel(token) {
			return a
		}
	}
	return nil
}

// customNodeLabels возвращает метки кастомной ноды из её config.xml,
// с LRU-кэшем результатов.
func (m *Matcher) customNodeLabels(ctx context.Context, name string) ([]string, error) {
	if labels, ok := m.nodeLabels.Get(name); ok {
		return labels, nil
	}

	labels, err := m.ci.NodeConfig(ctx, name)
	if err != nil {
		if !errors.Is(err, ciserver.ErrNotFound) {
			m.logger.Warn("Ошибка запроса config.xml ноды",
				slog.String("node", name),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	m.nodeLabels.Add(name, labels)
	return labels, nil
}

// stripIdentifierSuffix срезает хвост "__<suffix>" токена.
// Возвращает основу и признак, что срез был.
func stripIdentifierSuffix(token string) (string, bool) {
	i := strings.Index(token, "__")
	if i <= 0 {
		return token, false
	}
	return token[:i], true
}
