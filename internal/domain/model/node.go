// node.go — FleetNode: запись об одной созданной (или создаваемой) машине.
package model

import "time"

// FleetNode — персистентная запись машины парка.
// Владелец — FleetService: все мутации идут через его операции.
type FleetNode struct {
	// Уникальный идентификатор (UUID), выдаётся при создании
	Identifier string
	// Имя архетипа, по которому создана машина
	Archetype string
	// Поля идентичности архетипа на момент создания (для дедупа)
	Image   string
	Size    string
	Keyname string
	// Имя провайдера, создавшего машину
	Provider string
	// Снимок меток архетипа на момент создания.
	// Метки архетипа могут поменяться в конфигурации — запись не меняется.
	Labels []string
	// Момент создания записи
	CreatedAt time.Time
	// Момент, с которого машина простаивает; nil — машина активна
	IdleSince *time.Time
}

// CloudName — имя машины у провайдера и в Jenkins.
// Всегда выводится из пары (архетип, идентификатор), отдельно не хранится.
func (n *FleetNode) CloudName() string {
	return n.Archetype + "__" + n.Identifier
}

// Idle возвращает true, если машина помечена простаивающей.
func (n *FleetNode) Idle() bool {
	return n.IdleSince != nil
}

// LabelsMatch — проверка надмножества: true, если каждая требуемая метка
// присутствует в метках записи. Это не проверка равенства.
func (n *FleetNode) LabelsMatch(required []string) bool {
	set := make(map[string]struct{}, len(n.Labels))
	for _, l := range n.Labels {
		set[l] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
