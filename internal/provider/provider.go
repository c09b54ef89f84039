// Пакет provider — абстракция облачного провайдера, создающего и
// уничтожающего машины-исполнители флота.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Ошибки слоя провайдеров.
var (
	// ErrNodeNotFound — машина с таким именем в облаке не найдена.
	ErrNodeNotFound = errors.New("машина не найдена в облаке")
	// ErrUnknownProvider — провайдер с таким именем не зарегистрирован.
	ErrUnknownProvider = errors.New("неизвестный провайдер")
)

// CreateRequest — параметры создания машины.
type CreateRequest struct {
	// Имя машины в облаке (<archetype>__<identifier>)
	Name string
	// Имя образа
	Image string
	// Имя флейвора
	Size string
	// Имя SSH-ключа
	Keyname string
	// Bootstrap-скрипт с подставленным идентификатором (user data)
	UserData []byte
}

// Provider — интерфейс облачного провайдера.
type Provider interface {
	// CreateNode создаёт машину и возвращает её облачный ID.
	CreateNode(ctx context.Context, req CreateRequest) (string, error)
	// DestroyNode уничтожает машину по имени.
	// Возвращает ErrNodeNotFound, если машины уже нет.
	DestroyNode(ctx context.Context, name string) error
	// NodeStatus возвращает статус машины у провайдера (ACTIVE, BUILD, ...).
	// Возвращает ErrNodeNotFound, если машины в облаке нет.
	NodeStatus(ctx context.Context, name string) (string, error)
	// ListNodeNames возвращает имена всех машин флота в облаке.
	ListNodeNames(ctx context.Context) ([]string, error)
}

// Registry — реестр провайдеров по имени из таблицы архетипов.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry создаёт пустой реестр провайдеров.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register добавляет провайдера под заданным именем.
func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

// Get возвращает провайдера по имени или ErrUnknownProvider.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}
