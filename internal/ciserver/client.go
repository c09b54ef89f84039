// Пакет ciserver — HTTP-клиент Jenkins REST API.
// Аутентификация basic auth (пользователь + API-токен).
// Все вызовы ограничены таймаутом и повторяются при сетевых ошибках
// и ответах 5xx: недоступность CI-сервера — переходное состояние,
// цикл reconciliation просто пропускается.
package ciserver

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound — нода, job или сборка отсутствуют на CI-сервере.
// Не фатально: вызывающий действует так, будто объекта нет.
var ErrNotFound = errors.New("объект не найден на CI-сервере")

// CIServer — операции CI-сервера, нужные контроллеру.
// Реализуется *Client; в тестах подменяется фейком.
type CIServer interface {
	// QueueInfo возвращает задачи очереди сборок
	QueueInfo(ctx context.Context) ([]QueueTask, error)
	// Nodes возвращает список зарегистрированных нод
	Nodes(ctx context.Context) ([]NodeSummary, error)
	// NodeInfo возвращает состояние ноды (idle/offline)
	NodeInfo(ctx context.Context, name string) (*NodeInfo, error)
	// NodeExists проверяет регистрацию ноды
	NodeExists(ctx context.Context, name string) (bool, error)
	// DeleteNode удаляет ноду с CI-сервера
	DeleteNode(ctx context.Context, name string) error
	// NodeConfig возвращает метки ноды из её config.xml
	NodeConfig(ctx context.Context, name string) ([]string, error)
	// JobInfo возвращает сведения о job (номер следующей сборки)
	JobInfo(ctx context.Context, name string) (*JobInfo, error)
	// BuildInfo возвращает сведения о сборке (исполнитель builtOn)
	BuildInfo(ctx context.Context, jobName string, number int) (*BuildInfo, error)
	// JobConfig возвращает assigned-node выражение из config.xml job'а
	JobConfig(ctx context.Context, jobURL string) (string, error)
}

// QueueTask — элемент очереди сборок (ответ /queue/api/json).
type QueueTask struct {
	// Причина блокировки свободным текстом
	Why string `json:"why"`
	// Флаг «задача застряла»
	Stuck bool     `json:"stuck"`
	Task  TaskInfo `json:"task"`
}

// TaskInfo — задача, которой принадлежит элемент очереди.
type TaskInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// NodeSummary — нода в списке /computer/api/json.
type NodeSummary struct {
	Name    string `json:"displayName"`
	Offline bool   `json:"offline"`
	Idle    bool   `json:"idle"`
}

// NodeInfo — состояние одной ноды.
type NodeInfo struct {
	Name    string `json:"displayName"`
	Idle    bool   `json:"idle"`
	Offline bool   `json:"offline"`
}

// JobInfo — сведения о job.
type JobInfo struct {
	NextBuildNumber int `json:"nextBuildNumber"`
}

// BuildInfo — сведения о сборке.
type BuildInfo struct {
	// Имя исполнителя, на котором шла сборка; пустое — master
	BuiltOn string `json:"builtOn"`
}

// Client — HTTP-клиент Jenkins.
type Client struct {
	baseURL    string
	user       string
	token      string
	httpClient *http.Client
	callTO     time.Duration
	retries    int
	logger     *slog.Logger
}

// New создаёт клиент Jenkins.
// callTimeout — таймаут одного вызова API; retries — количество повторов
// при сетевой ошибке или 5xx.
func New(baseURL, user, token string, callTimeout time.Duration, retries int, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		user:       user,
		token:      token,
		httpClient: &http.Client{Timeout: callTimeout},
		callTO:     callTimeout,
		retries:    retries,
		logger:     logger.With(slog.String("component", "ci_client")),
	}
}

// do выполняет запрос с basic auth, повторами и различением 404.
// Возвращает тело ответа при 2xx.
func (c *Client) do(ctx context.Context, method, reqURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			// линейный backoff между повторами
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTO)
		body, retriable, err := c.doOnce(callCtx, method, reqURL)
		cancel()
		if err == nil {
			return body, nil
		}
		if !retriable {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("Повтор запроса к CI-серверу",
			slog.String("url", reqURL),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, lastErr
}

// doOnce — одна попытка запроса. Второй результат — можно ли повторять.
func (c *Client) doOnce(ctx context.Context, method, reqURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("создание запроса: %w", err)
	}
	req.SetBasicAuth(c.user, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("запрос к CI-серверу: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrNotFound
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		return nil, true, fmt.Errorf("CI-сервер вернул статус %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("CI-сервер вернул статус %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("чтение ответа CI-сервера: %w", err)
	}
	return body, false, nil
}

// getJSON выполняет GET и декодирует JSON-ответ в out.
func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	body, err := c.do(ctx, http.MethodGet, reqURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("декодирование ответа CI-сервера: %w", err)
	}
	return nil
}

// QueueInfo возвращает содержимое очереди сборок.
func (c *Client) QueueInfo(ctx context.Context) ([]QueueTask, error) {
	var resp struct {
		Items []QueueTask `json:"items"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/queue/api/json", &resp); err != nil {
		return nil, fmt.Errorf("запрос очереди: %w", err)
	}
	return resp.Items, nil
}

// Nodes возвращает список зарегистрированных нод.
func (c *Client) Nodes(ctx context.Context) ([]NodeSummary, error) {
	var resp struct {
		Computer []NodeSummary `json:"computer"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/computer/api/json", &resp); err != nil {
		return nil, fmt.Errorf("запрос списка нод: %w", err)
	}
	return resp.Computer, nil
}

// NodeInfo возвращает состояние ноды по имени.
func (c *Client) NodeInfo(ctx context.Context, name string) (*NodeInfo, error) {
	var info NodeInfo
	reqURL := fmt.Sprintf("%s/computer/%s/api/json", c.baseURL, url.PathEscape(name))
	if err := c.getJSON(ctx, reqURL, &info); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("запрос состояния ноды %s: %w", name, err)
	}
	return &info, nil
}

// NodeExists проверяет, зарегистрирована ли нода на CI-сервере.
func (c *Client) NodeExists(ctx context.Context, name string) (bool, error) {
	_, err := c.NodeInfo(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteNode удаляет ноду с CI-сервера.
// Отсутствующая нода — не ошибка (идемпотентность удаления).
func (c *Client) DeleteNode(ctx context.Context, name string) error {
	reqURL := fmt.Sprintf("%s/computer/%s/doDelete", c.baseURL, url.PathEscape(name))
	if _, err := c.do(ctx, http.MethodPost, reqURL); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("удаление ноды %s: %w", name, err)
	}
	return nil
}

// nodeConfigXML — config.xml ноды; метки лежат в <label> через пробел.
type nodeConfigXML struct {
	Label string `xml:"label"`
}

// NodeConfig возвращает метки ноды из её config.xml.
func (c *Client) NodeConfig(ctx context.Context, name string) ([]string, error) {
	reqURL := fmt.Sprintf("%s/computer/%s/config.xml", c.baseURL, url.PathEscape(name))
	body, err := c.do(ctx, http.MethodGet, reqURL)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("запрос config.xml ноды %s: %w", name, err)
	}

	var cfg nodeConfigXML
	if err := xml.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("разбор config.xml ноды %s: %w", name, err)
	}
	return strings.Fields(cfg.Label), nil
}

// JobInfo возвращает сведения о job по имени.
func (c *Client) JobInfo(ctx context.Context, name string) (*JobInfo, error) {
	var info JobInfo
	reqURL := fmt.Sprintf("%s/job/%s/api/json", c.baseURL, url.PathEscape(name))
	if err := c.getJSON(ctx, reqURL, &info); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("запрос job %s: %w", name, err)
	}
	return &info, nil
}

// BuildInfo возвращает сведения о сборке job'а.
func (c *Client) BuildInfo(ctx context.Context, jobName string, number int) (*BuildInfo, error) {
	var info BuildInfo
	reqURL := fmt.Sprintf("%s/job/%s/%d/api/json", c.baseURL, url.PathEscape(jobName), number)
	if err := c.getJSON(ctx, reqURL, &info); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("запрос сборки %s#%d: %w", jobName, number, err)
	}
	return &info, nil
}

// jobConfigXML — config.xml job'а; выражение привязки к нодам
// лежит в <assignedNode>.
type jobConfigXML struct {
	AssignedNode string `xml:"assignedNode"`
}

// JobConfig возвращает assigned-node выражение из конфигурации job'а.
// jobURL — абсолютный URL job'а из элемента очереди.
func (c *Client) JobConfig(ctx context.Context, jobURL string) (string, error) {
	reqURL := strings.TrimRight(jobURL, "/") + "/config.xml"
	body, err := c.do(ctx, http.MethodGet, reqURL)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("запрос config.xml job %s: %w", jobURL, err)
	}

	var cfg jobConfigXML
	if err := xml.Unmarshal(body, &cfg); err != nil {
		return "", fmt.Errorf("разбор config.xml job %s: %w", jobURL, err)
	}
	return strings.TrimSpace(cfg.AssignedNode), nil
}
