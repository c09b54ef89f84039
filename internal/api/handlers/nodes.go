// nodes.go — обработчики API управления нодами флота.
//
// POST /api/v1/nodes               — добор ёмкости архетипа
// GET  /api/v1/nodes               — список нод инвентаря
// GET  /api/v1/nodes/{id}          — состояние ноды
// POST /api/v1/nodes/{id}/idle     — нода сообщает о простое
// POST /api/v1/nodes/{id}/active   — нода сообщает о начале сборки
// POST /api/v1/nodes/{id}/delete   — удаление ноды (опционально отложенное)
//
// Endpoints idle/active/delete дёргает сама нода из своих хуков: машина
// знает о своём состоянии раньше, чем его заметит цикл сверки.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/arturkryukov/buildfleet/internal/api/errors"
	"github.com/arturkryukov/buildfleet/internal/domain/model"
	"github.com/arturkryukov/buildfleet/internal/repository"
	"github.com/arturkryukov/buildfleet/internal/service"
)

// NodesHandler — обработчик операций над нодами.
type NodesHandler struct {
	fleet  *service.FleetService
	repo   repository.FleetNodeRepository
	logger *slog.Logger
}

// NewNodesHandler создаёт обработчик операций над нодами.
func NewNodesHandler(fleet *service.FleetService, repo repository.FleetNodeRepository, logger *slog.Logger) *NodesHandler {
	return &NodesHandler{
		fleet:  fleet,
		repo:   repo,
		logger: logger.With(slog.String("component", "nodes_handler")),
	}
}

// ensureCapacityRequest — тело POST /api/v1/nodes.
type ensureCapacityRequest struct {
	Archetype string `json:"archetype"`
	Count     int    `json:"count"`
}

// ensureCapacityResponse — ответ POST /api/v1/nodes.
type ensureCapacityResponse struct {
	Created int `json:"created"`
}

// EnsureCapacity — POST /api/v1/nodes: добор ёмкости архетипа.
func (h *NodesHandler) EnsureCapacity(w http.ResponseWriter, r *http.Request) {
	var req ensureCapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "некорректное тело запроса")
		return
	}
	if req.Archetype == "" {
		apierrors.ValidationError(w, "поле archetype обязательно")
		return
	}
	if req.Count <= 0 {
		apierrors.ValidationError(w, "поле count должно быть положительным")
		return
	}

	created, err := h.fleet.EnsureCapacity(r.Context(), req.Archetype, req.Count)
	switch {
	case errors.Is(err, service.ErrUnknownArchetype):
		apierrors.NotFound(w, err.Error())
		return
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
		return
	case errors.Is(err, service.ErrProviderUnavailable):
		apierrors.ProviderUnavailable(w, err.Error())
		return
	case err != nil:
		h.logger.Error("Ошибка добора ёмкости", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка добора ёмкости")
		return
	}

	writeJSON(w, http.StatusAccepted, ensureCapacityResponse{Created: created})
}

// nodeResponse — представление ноды в ответах API.
type nodeResponse struct {
	Identifier string     `json:"identifier"`
	Archetype  string     `json:"archetype"`
	CloudName  string     `json:"cloud_name"`
	Provider   string     `json:"provider"`
	Labels     []string   `json:"labels"`
	CreatedAt  time.Time  `json:"created_at"`
	IdleSince  *time.Time `json:"idle_since,omitempty"`
}

func toNodeResponse(n *model.FleetNode) nodeResponse {
	return nodeResponse{
		Identifier: n.Identifier,
		Archetype:  n.Archetype,
		CloudName:  n.CloudName(),
		Provider:   n.Provider,
		Labels:     n.Labels,
		CreatedAt:  n.CreatedAt,
		IdleSince:  n.IdleSince,
	}
}

// List — GET /api/v1/nodes: список нод инвентаря.
func (h *NodesHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения инвентаря", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка получения инвентаря")
		return
	}

	resp := struct {
		Nodes []nodeResponse `json:"nodes"`
		Total int            `json:"total"`
	}{Nodes: make([]nodeResponse, 0, len(nodes)), Total: len(nodes)}
	for _, n := range nodes {
		resp.Nodes = append(resp.Nodes, toNodeResponse(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusResponse — ответ GET /api/v1/nodes/{id}.
type statusResponse struct {
	nodeResponse
	IdleForSeconds int `json:"idle_for_seconds"`
	// Статус машины у провайдера (ACTIVE, BUILD, NOT_FOUND, UNKNOWN, ...)
	CloudStatus string `json:"cloud_status"`
}

// Status — GET /api/v1/nodes/{id}: состояние ноды.
func (h *NodesHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}

	st, err := h.fleet.Status(r.Context(), id)
	if errors.Is(err, service.ErrNotFound) {
		apierrors.NotFound(w, "нода не найдена")
		return
	}
	if err != nil {
		h.logger.Error("Ошибка запроса состояния ноды", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка запроса состояния ноды")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		nodeResponse:   toNodeResponse(st.Node),
		IdleForSeconds: int(st.IdleFor.Seconds()),
		CloudStatus:    st.CloudStatus,
	})
}

// MarkIdle — POST /api/v1/nodes/{id}/idle.
func (h *NodesHandler) MarkIdle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	h.lifecycle(w, r, id, h.fleet.MarkIdle)
}

// MarkActive — POST /api/v1/nodes/{id}/active.
func (h *NodesHandler) MarkActive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	h.lifecycle(w, r, id, h.fleet.MarkActive)
}

// deleteRequest — тело POST /api/v1/nodes/{id}/delete.
// Тело опционально: без него нода удаляется сразу.
type deleteRequest struct {
	DelaySeconds int `json:"delay_seconds"`
}

// Delete — POST /api/v1/nodes/{id}/delete: удаление ноды.
// delay_seconds > 0 откладывает уничтожение: нода успевает дописать
// артефакты завершённой сборки.
func (h *NodesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}

	var req deleteRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierrors.ValidationError(w, "некорректное тело запроса")
			return
		}
	}
	if req.DelaySeconds < 0 {
		apierrors.ValidationError(w, "поле delay_seconds не может быть отрицательным")
		return
	}

	delay := time.Duration(req.DelaySeconds) * time.Second
	err := h.fleet.Delete(r.Context(), id, delay, service.ReapReasonAPI)
	if errors.Is(err, service.ErrNotFound) {
		apierrors.NotFound(w, "нода не найдена")
		return
	}
	if errors.Is(err, service.ErrCIUnavailable) {
		apierrors.CIUnavailable(w, "CI-сервер недоступен, удаление не выполнено")
		return
	}
	if err != nil {
		h.logger.Error("Ошибка удаления ноды",
			slog.String("identifier", id),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "ошибка удаления ноды")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// lifecycle — общий каркас idle/active: вызов операции и маппинг ошибок.
func (h *NodesHandler) lifecycle(w http.ResponseWriter, r *http.Request, id string, op func(ctx context.Context, identifier string) error) {
	if err := op(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "нода не найдена")
			return
		}
		h.logger.Error("Ошибка операции над нодой",
			slog.String("identifier", id),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "ошибка операции над нодой")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nodeID извлекает и валидирует идентификатор ноды из пути.
func (h *NodesHandler) nodeID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		apierrors.ValidationError(w, "некорректный идентификатор ноды")
		return "", false
	}
	return id, true
}
