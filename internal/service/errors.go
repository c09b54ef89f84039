// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrUnknownArchetype — архетип отсутствует в таблице архетипов.
	ErrUnknownArchetype = errors.New("неизвестный архетип")
	// ErrCIUnavailable — CI-сервер недоступен.
	ErrCIUnavailable = errors.New("CI-сервер недоступен")
	// ErrProviderUnavailable — облачный провайдер недоступен.
	ErrProviderUnavailable = errors.New("облачный провайдер недоступен")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
)
