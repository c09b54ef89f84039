package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/buildfleet/internal/domain/model"
)

// FleetNodeRepository — интерфейс инвентаря нод флота (таблица fleet_nodes).
type FleetNodeRepository interface {
	// Create регистрирует новую ноду в инвентаре.
	Create(ctx context.Context, node *model.FleetNode) error
	// GetByIdentifier возвращает ноду по её идентификатору.
	GetByIdentifier(ctx context.Context, identifier string) (*model.FleetNode, error)
	// List возвращает все ноды инвентаря.
	List(ctx context.Context) ([]*model.FleetNode, error)
	// ListByArchetype возвращает ноды одного архетипа.
	ListByArchetype(ctx context.Context, archetype string) ([]*model.FleetNode, error)
	// CountCreatedSince считает ноды, созданные начиная с момента since и
	// совпадающие с архетипом по полям идентичности (image, size, keyname)
	// и набору label'ов.
	CountCreatedSince(ctx context.Context, arch *model.Archetype, since time.Time) (int, error)
	// SetIdleSince выставляет или сбрасывает отметку простоя.
	SetIdleSince(ctx context.Context, identifier string, idleSince *time.Time) error
	// Delete удаляет ноду из инвентаря.
	Delete(ctx context.Context, identifier string) error
}

// fleetNodeRepo — реализация FleetNodeRepository.
type fleetNodeRepo struct {
	db DBTX
}

// NewFleetNodeRepository создаёт репозиторий нод флота.
func NewFleetNodeRepository(db DBTX) FleetNodeRepository {
	return &fleetNodeRepo{db: db}
}

const fleetNodeColumns = `identifier, archetype, image, size, keyname, provider, labels, created_at, idle_since`

func (r *fleetNodeRepo) Create(ctx context.Context, node *model.FleetNode) error {
	query := `
		INSERT INTO fleet_nodes (identifier, archetype, image, size, keyname, provider, labels, idle_since)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		node.Identifier, node.Archetype, node.Image, node.Size,
		node.Keyname, node.Provider, node.Labels, node.IdleSince,
	).Scan(&node.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: идентификатор %s уже зарегистрирован", ErrConflict, node.Identifier)
		}
		return fmt.Errorf("ошибка регистрации ноды: %w", err)
	}
	return nil
}

func (r *fleetNodeRepo) GetByIdentifier(ctx context.Context, identifier string) (*model.FleetNode, error) {
	query := `SELECT ` + fleetNodeColumns + ` FROM fleet_nodes WHERE identifier = $1`

	node := &model.FleetNode{}
	err := r.db.QueryRow(ctx, query, identifier).Scan(
		&node.Identifier, &node.Archetype, &node.Image, &node.Size,
		&node.Keyname, &node.Provider, &node.Labels, &node.CreatedAt, &node.IdleSince,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ноды: %w", err)
	}
	return node, nil
}

func (r *fleetNodeRepo) List(ctx context.Context) ([]*model.FleetNode, error) {
	query := `SELECT ` + fleetNodeColumns + ` FROM fleet_nodes ORDER BY created_at`
	return r.queryNodes(ctx, query)
}

func (r *fleetNodeRepo) ListByArchetype(ctx context.Context, archetype string) ([]*model.FleetNode, error) {
	query := `SELECT ` + fleetNodeColumns + ` FROM fleet_nodes WHERE archetype = $1 ORDER BY created_at`
	return r.queryNodes(ctx, query, archetype)
}

func (r *fleetNodeRepo) queryNodes(ctx context.Context, query string, args ...any) ([]*model.FleetNode, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка нод: %w", err)
	}
	defer rows.Close()

	var result []*model.FleetNode
	for rows.Next() {
		node := &model.FleetNode{}
		if err := rows.Scan(
			&node.Identifier, &node.Archetype, &node.Image, &node.Size,
			&node.Keyname, &node.Provider, &node.Labels, &node.CreatedAt, &node.IdleSince,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования ноды: %w", err)
		}
		result = append(result, node)
	}
	return result, rows.Err()
}

func (r *fleetNodeRepo) CountCreatedSince(ctx context.Context, arch *model.Archetype, since time.Time) (int, error) {
	// Сверка по полям идентичности, а не только по имени архетипа:
	// после смены image/size/keyname в конфигурации старые записи окна
	// не должны маскировать спрос на новую конфигурацию.
	// labels @> — снимок label'ов записи покрывает текущие label'ы архетипа.
	query := `
		SELECT COUNT(*) FROM fleet_nodes
		WHERE archetype = $1 AND image = $2 AND size = $3 AND keyname = $4
		  AND labels @> $5 AND created_at >= $6`

	var count int
	err := r.db.QueryRow(ctx, query,
		arch.Name, arch.Image, arch.Size, arch.Keyname, arch.Labels, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта нод: %w", err)
	}
	return count, nil
}

func (r *fleetNodeRepo) SetIdleSince(ctx context.Context, identifier string, idleSince *time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE fleet_nodes SET idle_since = $2 WHERE identifier = $1`,
		identifier, idleSince,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления отметки простоя: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fleetNodeRepo) Delete(ctx context.Context, identifier string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM fleet_nodes WHERE identifier = $1`, identifier)
	if err != nil {
		return fmt.Errorf("ошибка удаления ноды: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
