// Пакет model — доменные сущности BuildFleet.
// archetype.go — Archetype: сконфигурированный тип машины-исполнителя.
package model

import (
	"fmt"
	"strings"
)

// Archetype — тип машины, которую контроллер умеет создавать.
// Загружается один раз из конфигурационного файла и неизменяем в рантайме.
type Archetype struct {
	// Имя архетипа, уникально в конфигурации
	Name string `yaml:"name"`
	// Метки Jenkins, которые несёт машина этого типа
	Labels []string `yaml:"labels"`
	// Шаблон provisioning-скрипта с ровно одним слотом %s под идентификатор
	Script string `yaml:"script"`
	// Имя образа у облачного провайдера
	Image string `yaml:"image"`
	// Размер (flavor) машины
	Size string `yaml:"size"`
	// Имя SSH-ключа
	Keyname string `yaml:"keyname"`
	// Имя облачного провайдера (реестр internal/provider)
	Provider string `yaml:"provider"`
	// Провайдер-специфичные дополнительные параметры
	Extra map[string]string `yaml:"extra,omitempty"`
}

// Validate проверяет обязательные поля архетипа.
// Шаблон скрипта обязан содержать ровно один слот %s: машина без
// подставленного идентификатора никогда не зарегистрируется в Jenkins.
func (a *Archetype) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("архетип без имени")
	}
	for _, field := range []struct{ name, value string }{
		{"image", a.Image},
		{"size", a.Size},
		{"keyname", a.Keyname},
		{"provider", a.Provider},
		{"script", a.Script},
	} {
		if field.value == "" {
			return fmt.Errorf("архетип %q: поле %s обязательно", a.Name, field.name)
		}
	}
	if strings.Count(a.Script, "%s") != 1 {
		return fmt.Errorf("архетип %q: шаблон скрипта должен содержать ровно один слот %%s", a.Name)
	}
	return nil
}

// FormatScript подставляет идентификатор машины в шаблон скрипта.
func (a *Archetype) FormatScript(identifier string) string {
	return fmt.Sprintf(a.Script, identifier)
}

// HasLabel возвращает true, если архетип несёт метку label.
func (a *Archetype) HasLabel(label string) bool {
	for _, l := range a.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// HasAllLabels возвращает true, если архетип несёт каждую из меток labels.
func (a *Archetype) HasAllLabels(labels []string) bool {
	for _, l := range labels {
		if !a.HasLabel(l) {
			return false
		}
	}
	return true
}
