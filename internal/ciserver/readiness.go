// readiness.go — проверка готовности CI-сервера для health endpoint.
package ciserver

import (
	"context"
	"fmt"
	"time"
)

// ReadinessChecker — проверка доступности Jenkins.
// Реализует интерфейс handlers.ReadinessChecker.
type ReadinessChecker struct {
	ci CIServer
}

// NewReadinessChecker создаёт проверку готовности CI-сервера.
func NewReadinessChecker(ci CIServer) *ReadinessChecker {
	return &ReadinessChecker{ci: ci}
}

// CheckReady запрашивает очередь сборок как дешёвую проверку доступности.
// Возвращает статус ("ok", "fail") и сообщение.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := c.ci.QueueInfo(ctx); err != nil {
		return "fail", fmt.Sprintf("CI-сервер недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
