package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/images"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"

	"github.com/arturkryukov/buildfleet/internal/config"
)

// OpenStack — провайдер на базе gophercloud (Nova compute API).
type OpenStack struct {
	compute *gophercloud.ServiceClient
	logger  *slog.Logger

	// Кэш разрешения имён образов и флейворов в ID.
	// Таблица архетипов ссылается на них по именам, а Nova — по ID.
	mu        sync.Mutex
	imageIDs  map[string]string
	flavorIDs map[string]string
}

// NewOpenStack аутентифицируется в Keystone и создаёт compute-клиент.
func NewOpenStack(cfg *config.Config, logger *slog.Logger) (*OpenStack, error) {
	authOpts := gophercloud.AuthOptions{
		IdentityEndpoint: cfg.OSAuthURL,
		Username:         cfg.OSUsername,
		Password:         cfg.OSPassword,
		TenantName:       cfg.OSTenantName,
		// Токен истекает — переаутентификация без рестарта сервиса
		AllowReauth: true,
	}

	client, err := openstack.AuthenticatedClient(authOpts)
	if err != nil {
		return nil, fmt.Errorf("ошибка аутентификации в OpenStack: %w", err)
	}
	client.HTTPClient = http.Client{Timeout: cfg.OSCallTimeout}

	compute, err := openstack.NewComputeV2(client, gophercloud.EndpointOpts{
		Region: cfg.OSRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания compute-клиента: %w", err)
	}

	logger.Info("Подключение к OpenStack установлено",
		slog.String("auth_url", cfg.OSAuthURL),
		slog.String("region", cfg.OSRegion),
		slog.String("tenant", cfg.OSTenantName),
	)

	return &OpenStack{
		compute:   compute,
		logger:    logger,
		imageIDs:  make(map[string]string),
		flavorIDs: make(map[string]string),
	}, nil
}

// CreateNode создаёт машину в Nova и возвращает её ID.
// Bootstrap-скрипт передаётся через user data (cloud-init).
func (o *OpenStack) CreateNode(ctx context.Context, req CreateRequest) (string, error) {
	imageID, err := o.imageID(req.Image)
	if err != nil {
		return "", err
	}
	flavorID, err := o.flavorID(req.Size)
	if err != nil {
		return "", err
	}

	createOpts := servers.CreateOpts{
		Name:      req.Name,
		ImageRef:  imageID,
		FlavorRef: flavorID,
		UserData:  req.UserData,
	}
	// SSH-ключ подключается через расширение os-keypairs
	optsWithKey := keypairs.CreateOptsExt{
		CreateOptsBuilder: createOpts,
		KeyName:           req.Keyname,
	}

	server, err := servers.Create(o.compute, optsWithKey).Extract()
	if err != nil {
		return "", fmt.Errorf("ошибка создания машины %s: %w", req.Name, err)
	}

	o.logger.Info("Машина создана в OpenStack",
		slog.String("name", req.Name),
		slog.String("server_id", server.ID),
	)
	return server.ID, nil
}

// DestroyNode уничтожает машину по её облачному имени.
func (o *OpenStack) DestroyNode(ctx context.Context, name string) error {
	serverID, err := o.serverIDByName(name)
	if err != nil {
		return err
	}

	if err := servers.Delete(o.compute, serverID).ExtractErr(); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
		}
		return fmt.Errorf("ошибка уничтожения машины %s: %w", name, err)
	}

	o.logger.Info("Машина уничтожена в OpenStack",
		slog.String("name", name),
		slog.String("server_id", serverID),
	)
	return nil
}

// NodeStatus возвращает статус машины в Nova (ACTIVE, BUILD, ERROR, ...).
func (o *OpenStack) NodeStatus(ctx context.Context, name string) (string, error) {
	serverID, err := o.serverIDByName(name)
	if err != nil {
		return "", err
	}

	server, err := servers.Get(o.compute, serverID).Extract()
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrNodeNotFound, name)
		}
		return "", fmt.Errorf("ошибка запроса статуса машины %s: %w", name, err)
	}
	return server.Status, nil
}

// ListNodeNames возвращает имена всех машин тенанта.
func (o *OpenStack) ListNodeNames(ctx context.Context) ([]string, error) {
	pages, err := servers.List(o.compute, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка машин: %w", err)
	}
	list, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора списка машин: %w", err)
	}

	names := make([]string, 0, len(list))
	for _, s := range list {
		names = append(names, s.Name)
	}
	return names, nil
}

// serverIDByName находит ID машины по имени. Nova не умеет искать по
// точному имени, фильтр списка — регулярное выражение, поэтому
// совпадение дополнительно сверяется на клиенте.
func (o *OpenStack) serverIDByName(name string) (string, error) {
	pages, err := servers.List(o.compute, servers.ListOpts{Name: name}).AllPages()
	if err != nil {
		return "", fmt.Errorf("ошибка поиска машины %s: %w", name, err)
	}
	list, err := servers.ExtractServers(pages)
	if err != nil {
		return "", fmt.Errorf("ошибка разбора списка машин: %w", err)
	}
	for _, s := range list {
		if s.Name == name {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNodeNotFound, name)
}

// imageID разрешает имя образа в ID с кэшированием.
func (o *OpenStack) imageID(name string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id, ok := o.imageIDs[name]; ok {
		return id, nil
	}

	pages, err := images.ListDetail(o.compute, images.ListOpts{Name: name}).AllPages()
	if err != nil {
		return "", fmt.Errorf("ошибка запроса списка образов: %w", err)
	}
	list, err := images.ExtractImages(pages)
	if err != nil {
		return "", fmt.Errorf("ошибка разбора списка образов: %w", err)
	}
	for _, img := range list {
		if img.Name == name {
			o.imageIDs[name] = img.ID
			return img.ID, nil
		}
	}
	return "", fmt.Errorf("образ %q не найден", name)
}

// flavorID разрешает имя флейвора в ID с кэшированием.
// Nova не фильтрует флейворы по имени, список перебирается целиком.
func (o *OpenStack) flavorID(name string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id, ok := o.flavorIDs[name]; ok {
		return id, nil
	}

	pages, err := flavors.ListDetail(o.compute, flavors.ListOpts{}).AllPages()
	if err != nil {
		return "", fmt.Errorf("ошибка запроса списка флейворов: %w", err)
	}
	list, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return "", fmt.Errorf("ошибка разбора списка флейворов: %w", err)
	}
	for _, f := range list {
		if f.Name == name {
			o.flavorIDs[name] = f.ID
			return f.ID, nil
		}
	}
	return "", fmt.Errorf("флейвор %q не найден", name)
}

// isNotFound проверяет 404 от OpenStack API.
func isNotFound(err error) bool {
	var notFound gophercloud.ErrDefault404
	return errors.As(err, &notFound)
}
