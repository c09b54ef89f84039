// nodes_test.go — httptest-тесты обработчиков API нод.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arturkryukov/buildfleet/internal/ciserver"
	"github.com/arturkryukov/buildfleet/internal/domain/model"
	"github.com/arturkryukov/buildfleet/internal/provider"
	"github.com/arturkryukov/buildfleet/internal/repository"
	"github.com/arturkryukov/buildfleet/internal/service"
)

// memRepo — инвентарь в памяти для тестов обработчиков.
type memRepo struct {
	mu    sync.Mutex
	nodes map[string]*model.FleetNode
}

func newMemRepo() *memRepo {
	return &memRepo{nodes: make(map[string]*model.FleetNode)}
}

func (r *memRepo) Create(_ context.Context, node *model.FleetNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node.Identifier]; ok {
		return repository.ErrConflict
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	clone := *node
	r.nodes[node.Identifier] = &clone
	return nil
}

func (r *memRepo) GetByIdentifier(_ context.Context, identifier string) (*model.FleetNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[identifier]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *node
	return &clone, nil
}

func (r *memRepo) List(_ context.Context) ([]*model.FleetNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.FleetNode
	for _, node := range r.nodes {
		clone := *node
		result = append(result, &clone)
	}
	return result, nil
}

func (r *memRepo) ListByArchetype(_ context.Context, archetype string) ([]*model.FleetNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.FleetNode
	for _, node := range r.nodes {
		if node.Archetype == archetype {
			clone := *node
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (r *memRepo) CountCreatedSince(_ context.Context, arch *model.Archetype, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, node := range r.nodes {
		if node.Archetype != arch.Name || node.CreatedAt.Before(since) {
			continue
		}
		if node.Image != arch.Image || node.Size != arch.Size || node.Keyname != arch.Keyname {
			continue
		}
		if !node.LabelsMatch(arch.Labels) {
			continue
		}
		count++
	}
	return count, nil
}

func (r *memRepo) SetIdleSince(_ context.Context, identifier string, idleSince *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[identifier]
	if !ok {
		return repository.ErrNotFound
	}
	node.IdleSince = idleSince
	return nil
}

func (r *memRepo) Delete(_ context.Context, identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[identifier]; !ok {
		return repository.ErrNotFound
	}
	delete(r.nodes, identifier)
	return nil
}

// memProvider — облако в памяти.
type memProvider struct {
	mu    sync.Mutex
	cloud map[string]bool
}

func newMemProvider() *memProvider {
	return &memProvider{cloud: make(map[string]bool)}
}

func (p *memProvider) CreateNode(_ context.Context, req provider.CreateRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cloud[req.Name] = true
	return "srv-" + req.Name, nil
}

func (p *memProvider) DestroyNode(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cloud[name] {
		return provider.ErrNodeNotFound
	}
	delete(p.cloud, name)
	return nil
}

func (p *memProvider) NodeStatus(_ context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cloud[name] {
		return "", provider.ErrNodeNotFound
	}
	return "ACTIVE", nil
}

func (p *memProvider) ListNodeNames(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.cloud))
	for name := range p.cloud {
		names = append(names, name)
	}
	return names, nil
}

// memCI — CI-сервер в памяти (достаточно DeleteNode для удаления нод).
type memCI struct {
	ciserver.CIServer
}

func (memCI) DeleteNode(_ context.Context, _ string) error { return nil }

// newTestRouter собирает router с обработчиками нод поверх фейков.
func newTestRouter(t *testing.T) (*chi.Mux, *memRepo) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo := newMemRepo()
	providers := provider.NewRegistry()
	providers.Register("openstack", newMemProvider())

	archetypes := []*model.Archetype{{
		Name: "wheezy", Labels: []string{"amd64", "wheezy"},
		Image: "debian-wheezy", Size: "m1.medium", Keyname: "ci-key",
		Provider: "openstack", Script: "register-executor %s",
	}}
	params := service.FleetParams{
		DedupWindow: 8 * time.Minute,
		BufferRatio: 0.75,
		IdleTimeout: 600 * time.Second,
		OrphanGrace: 900 * time.Second,
	}
	fleet := service.NewFleetService(archetypes, repo, providers, memCI{}, params, logger)

	handler := NewNodesHandler(fleet, repo, logger)
	router := chi.NewRouter()
	router.Route("/api/v1/nodes", func(r chi.Router) {
		r.Get("/", handler.List)
		r.Post("/", handler.EnsureCapacity)
		r.Get("/{id}", handler.Status)
		r.Post("/{id}/idle", handler.MarkIdle)
		r.Post("/{id}/active", handler.MarkActive)
		r.Post("/{id}/delete", handler.Delete)
	})
	return router, repo
}

// seedNode кладёт ноду в инвентарь и возвращает её идентификатор.
func seedNode(t *testing.T, repo *memRepo) string {
	t.Helper()
	id := uuid.New().String()
	node := &model.FleetNode{
		Identifier: id, Archetype: "wheezy",
		Image: "debian-wheezy", Size: "m1.medium", Keyname: "ci-key",
		Provider: "openstack", Labels: []string{"amd64", "wheezy"},
	}
	if err := repo.Create(context.Background(), node); err != nil {
		t.Fatalf("подготовка ноды: %v", err)
	}
	return id
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestEnsureCapacityEndpoint(t *testing.T) {
	router, repo := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/nodes",
		`{"archetype": "wheezy", "count": 4}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("статус = %d, хотели 202; тело: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Created int `json:"created"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("декодирование ответа: %v", err)
	}
	if resp.Created != 3 { // ceil(4*0.75)
		t.Errorf("created = %d, хотели 3", resp.Created)
	}
	nodes, _ := repo.List(context.Background())
	if len(nodes) != 3 {
		t.Errorf("нод в инвентаре %d, хотели 3", len(nodes))
	}
}

func TestEnsureCapacityEndpointErrors(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"пустой archetype", `{"count": 1}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"нулевой count", `{"archetype": "wheezy", "count": 0}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"неизвестный архетип", `{"archetype": "rhel7", "count": 1}`, http.StatusNotFound, "NOT_FOUND"},
		{"битый JSON", `{архетип`, http.StatusBadRequest, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/api/v1/nodes", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("статус = %d, хотели %d", rec.Code, tt.wantStatus)
			}
			var resp struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("декодирование ответа: %v", err)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("код ошибки = %q, хотели %q", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestIdleActiveEndpoints(t *testing.T) {
	router, repo := newTestRouter(t)
	id := seedNode(t, repo)
	ctx := context.Background()

	// Нода сообщает о простое
	rec := doRequest(t, router, http.MethodPost, "/api/v1/nodes/"+id+"/idle", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("idle: статус = %d, хотели 204", rec.Code)
	}
	node, _ := repo.GetByIdentifier(ctx, id)
	if node.IdleSince == nil {
		t.Error("IdleSince не установлен после /idle")
	}

	// Нода сообщает о начале сборки
	rec = doRequest(t, router, http.MethodPost, "/api/v1/nodes/"+id+"/active", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("active: статус = %d, хотели 204", rec.Code)
	}
	node, _ = repo.GetByIdentifier(ctx, id)
	if node.IdleSince != nil {
		t.Error("IdleSince не сброшен после /active")
	}
}

func TestLifecycleEndpointErrors(t *testing.T) {
	router, _ := newTestRouter(t)

	// Неизвестный UUID → 404
	rec := doRequest(t, router, http.MethodPost, "/api/v1/nodes/"+uuid.New().String()+"/idle", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("неизвестный UUID: статус = %d, хотели 404", rec.Code)
	}

	// Некорректный идентификатор → 400
	rec = doRequest(t, router, http.MethodPost, "/api/v1/nodes/not-a-uuid/idle", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("битый идентификатор: статус = %d, хотели 400", rec.Code)
	}

	// Неподдерживаемый метод → 405
	rec = doRequest(t, router, http.MethodDelete, "/api/v1/nodes/"+uuid.New().String()+"/idle", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE: статус = %d, хотели 405", rec.Code)
	}
}

func TestDeleteEndpoint(t *testing.T) {
	router, repo := newTestRouter(t)
	id := seedNode(t, repo)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/nodes/"+id+"/delete", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("статус = %d, хотели 202; тело: %s", rec.Code, rec.Body.String())
	}
	if _, err := repo.GetByIdentifier(context.Background(), id); !errors.Is(err, repository.ErrNotFound) {
		t.Error("нода не удалена из инвентаря")
	}

	// Отрицательная задержка → 400
	id2 := seedNode(t, repo)
	rec = doRequest(t, router, http.MethodPost, "/api/v1/nodes/"+id2+"/delete",
		`{"delay_seconds": -5}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("отрицательная задержка: статус = %d, хотели 400", rec.Code)
	}
}

func TestStatusAndListEndpoints(t *testing.T) {
	router, repo := newTestRouter(t)
	id := seedNode(t, repo)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/nodes/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: статус = %d, хотели 200", rec.Code)
	}
	var st struct {
		Identifier  string `json:"identifier"`
		Archetype   string `json:"archetype"`
		CloudName   string `json:"cloud_name"`
		CloudStatus string `json:"cloud_status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("декодирование ответа: %v", err)
	}
	if st.Identifier != id || st.Archetype != "wheezy" {
		t.Errorf("ответ = %+v", st)
	}
	if st.CloudName != "wheezy__"+id {
		t.Errorf("cloud_name = %q, хотели %q", st.CloudName, "wheezy__"+id)
	}
	// Запись посеяна без машины в облаке — статус у провайдера это отражает
	if st.CloudStatus != service.CloudStatusNotFound {
		t.Errorf("cloud_status = %q, хотели %q", st.CloudStatus, service.CloudStatusNotFound)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/nodes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: статус = %d, хотели 200", rec.Code)
	}
	var list struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("декодирование ответа: %v", err)
	}
	if list.Total != 1 {
		t.Errorf("total = %d, хотели 1", list.Total)
	}
}
