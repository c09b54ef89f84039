// Пакет matcher — классификация причин блокировки очереди Jenkins и
// подбор архетипа машины под классифицированную причину.
//
// classifier.go — разбор свободного текста "why" из очереди.
// Jenkins (hudson/model/queue/CauseOfBlockage) формулирует причины так:
//
//   - BecauseNodeIsBusy / BecauseLabelIsBusy: "Waiting for next available executor on {0}"
//   - BecauseLabelIsOffline: "All nodes of label ‘{0}’ are offline"
//   - BecauseNodeIsOffline: "{0} is offline"
//   - отсутствие нод с меткой: "There are no nodes with the label ‘{0}’"
//
// Фразы node-busy и label-busy неразличимы, двусмысленность разрешается
// дальше по цепочке сопоставления (имя → метка → выражение).
package matcher

import "strings"

// ReasonKind — вид причины блокировки.
type ReasonKind int

const (
	// KindUnrecognized — ни одна из известных формулировок
	KindUnrecognized ReasonKind = iota
	// KindBusy — нет свободного исполнителя (нода либо метка занята)
	KindBusy
	// KindLabelOffline — все ноды метки offline
	KindLabelOffline
	// KindNodeOffline — конкретная нода offline
	KindNodeOffline
	// KindNodeLabelOffline — нет ни одной ноды с меткой
	KindNodeLabelOffline
)

// String возвращает имя вида причины для логов.
func (k ReasonKind) String() string {
	switch k {
	case KindBusy:
		return "busy"
	case KindLabelOffline:
		return "label_offline"
	case KindNodeOffline:
		return "node_offline"
	case KindNodeLabelOffline:
		return "node_label_offline"
	default:
		return "unrecognized"
	}
}

// Reason — классифицированная причина блокировки с извлечённым токеном
// (имя ноды, метка или label-выражение).
type Reason struct {
	Kind  ReasonKind
	Token string
}

const (
	prefixBusy             = "Waiting for"
	prefixLabelOffline     = "All nodes of label"
	suffixNodeOffline      = "is offline"
	prefixNodeLabelOffline = "There are no nodes with the label"
)

// decorativeQuotes — типографские и ASCII-кавычки, которыми Jenkins
// обрамляет метки в сообщениях.
const decorativeQuotes = "‘’“”'\""

// IsStuck возвращает true, если причина соответствует одной из известных
// формулировок. Используется как префильтр перед Classify.
func IsStuck(reason string) bool {
	return Classify(reason).Kind != KindUnrecognized
}

// Classify разбирает текст причины в фиксированном порядке приоритета.
// Первая совпавшая формулировка выигрывает; пересечений по построению нет —
// четыре шаблона взаимно не перекрываются по префиксу/суффиксу.
func Classify(reason string) Reason {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Reason{Kind: KindUnrecognized}
	}

	switch {
	case strings.HasPrefix(reason, prefixBusy):
		// "Waiting for next available executor on wheezy" → последний токен
		return Reason{Kind: KindBusy, Token: lastToken(reason)}

	case strings.HasPrefix(reason, prefixLabelOffline):
		// "All nodes of label ‘amd64’ are offline" → третий токен с конца
		// (в хвосте "are offline")
		fields := strings.Fields(reason)
		if len(fields) < 3 {
			return Reason{Kind: KindUnrecognized}
		}
		return Reason{
			Kind:  KindLabelOffline,
			Token: strings.Trim(fields[len(fields)-3], decorativeQuotes),
		}

	case strings.HasSuffix(reason, suffixNodeOffline):
		// "wheezy is offline" → последний токен перед суффиксом
		return Reason{
			Kind:  KindNodeOffline,
			Token: lastToken(strings.TrimSuffix(reason, suffixNodeOffline)),
		}

	case strings.HasPrefix(reason, prefixNodeLabelOffline):
		// "There are no nodes with the label ‘foo&&bar’" → последний токен
		return Reason{Kind: KindNodeLabelOffline, Token: lastToken(reason)}
	}

	return Reason{Kind: KindUnrecognized}
}

// lastToken возвращает последний разделённый пробелами токен строки,
// очищенный от декоративных кавычек.
func lastToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[len(fields)-1], decorativeQuotes)
}
