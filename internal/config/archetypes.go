// archetypes.go — загрузка таблицы архетипов из YAML-файла.
//
// Формат файла:
//
//	archetypes:
//	  - name: wheezy
//	    labels: [amd64, wheezy]
//	    image: debian-wheezy
//	    size: m1.medium
//	    keyname: ci-key
//	    provider: openstack
//	    script: |
//	      #!/bin/bash
//	      /usr/local/bin/register-executor %s
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arturkryukov/buildfleet/internal/domain/model"
)

// archetypesFile — корневая структура YAML-файла.
type archetypesFile struct {
	Archetypes []*model.Archetype `yaml:"archetypes"`
}

// LoadArchetypes читает и валидирует таблицу архетипов.
// Порядок в файле — конфигурационный порядок итерации matcher'а.
func LoadArchetypes(path string) ([]*model.Archetype, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение файла архетипов: %w", err)
	}

	var file archetypesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("разбор YAML файла архетипов: %w", err)
	}
	if len(file.Archetypes) == 0 {
		return nil, fmt.Errorf("файл архетипов %s пуст", path)
	}

	for _, a := range file.Archetypes {
		if err := a.Validate(); err != nil {
			return nil, err
		}
	}

	if err := validateNameOverlap(file.Archetypes); err != nil {
		return nil, err
	}

	return file.Archetypes, nil
}

// validateNameOverlap проверяет попарную непересекаемость имён.
// Правило вхождения имени при сопоставлении (имя — подстрока токена)
// корректно только если ни одно имя архетипа не является подстрокой
// другого; иначе выбор архетипа зависел бы от порядка итерации.
func validateNameOverlap(archetypes []*model.Archetype) error {
	seen := make(map[string]struct{}, len(archetypes))
	for _, a := range archetypes {
		if _, ok := seen[a.Name]; ok {
			return fmt.Errorf("дублирующееся имя архетипа %q", a.Name)
		}
		seen[a.Name] = struct{}{}
	}

	for i, a := range archetypes {
		for j, b := range archetypes {
			if i == j {
				continue
			}
			if strings.Contains(b.Name, a.Name) {
				return fmt.Errorf(
					"имя архетипа %q является подстрокой имени %q — правило сопоставления по вхождению будет неоднозначным",
					a.Name, b.Name,
				)
			}
		}
	}
	return nil
}
