// Пакет labelexpr — разбор и вычисление булевых label-выражений Jenkins.
//
// Jenkins расширяет выражения меток полноценным движком; здесь — нарочно
// простой подход, достаточный для типичных выражений вида
// "amd64&&!small" или "huge&&(trusty||centos)".
//
// Две независимые операции:
//   - Expand — раскрытие выражения в ДНФ (список альтернативных наборов
//     меток). Поддерживает один уровень скобочной группировки: каждая
//     группа разбирается как плоское выражение, группы комбинируются.
//     Вложенные скобки не поддерживаются — документированное ограничение.
//   - Evaluate — безопасное вычисление выражения против набора меток
//     машины-кандидата. Строка выражения приходит из недоверенного
//     ответа внешнего API, поэтому разбор идёт в явное типизированное
//     дерево {имя, НЕ, И, ИЛИ}; любой другой синтаксис (литералы, вызовы,
//     доступ к атрибутам) отвергается на этапе разбора. Никакого
//     динамического исполнения кода.
package labelexpr

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/arturkryukov/buildfleet/internal/domain/model"
)

// --- Expand: раскрытие в ДНФ ---

// opClause — группа термов под одним оператором ("and" либо "or").
type opClause struct {
	op    string
	items []string
}

// translate заменяет C-подобную нотацию на словесные операторы,
// чтобы выражение распадалось на токены по пробелам.
func translate(expression string) string {
	expression = strings.ReplaceAll(expression, "&&", " and ")
	return strings.ReplaceAll(expression, "||", " or ")
}

// parseClauses разбивает плоский (без скобок) список токенов на группы
// однородных операторов. Смена оператора закрывает текущую группу, причём
// последний терм перед сменой переносится в новую группу.
func parseClauses(parts []string) []opClause {
	var opSplit []opClause
	var currentSplit []string
	currentType := ""
	previous := ""

	for count, part := range parts {
		if count == 0 {
			previous = part
			currentSplit = append(currentSplit, part)
			continue
		}

		if part == "and" {
			if currentType == "or" {
				opSplit = append(opSplit, opClause{op: "or", items: currentSplit})
				currentSplit = []string{previous}
			}
			currentType = "and"
		}

		if part == "or" {
			if currentType == "and" {
				opSplit = append(opSplit, opClause{op: "and", items: currentSplit})
				currentSplit = []string{previous}
			}
			currentType = "or"
		}

		if part != "or" && part != "and" {
			currentSplit = append(currentSplit, part)
		}

		if count == len(parts)-1 {
			opSplit = append(opSplit, opClause{op: currentType, items: currentSplit})
		}

		previous = part
	}

	return opSplit
}

// generateLists строит из групп все удовлетворяющие комбинации меток:
// AND-группы объединяют термы в каждый накопленный список, OR-группы дают
// декартово произведение. Комбинации с повторяющимися термами отбрасываются.
func generateLists(opSplit []opClause) [][]string {
	var results [][]string

	for _, clause := range opSplit {
		if clause.op != "and" {
			continue
		}
		if len(results) == 0 {
			results = append(results, append([]string(nil), clause.items...))
			continue
		}
		for i := range results {
			results[i] = append(results[i], clause.items...)
		}
	}

	for _, clause := range opSplit {
		if clause.op != "or" {
			continue
		}
		if len(results) == 0 {
			for _, item := range clause.items {
				results = append(results, []string{item})
			}
			continue
		}
		var modified [][]string
		for _, r := range results {
			for _, item := range clause.items {
				combination := append(append([]string(nil), r...), item)
				modified = append(modified, combination)
			}
		}
		results = modified
	}

	// Отбрасываем комбинации с дубликатами
	var pruned [][]string
	for _, item := range results {
		seen := make(map[string]struct{}, len(item))
		unique := true
		for _, term := range item {
			if _, ok := seen[term]; ok {
				unique = false
				break
			}
			seen[term] = struct{}{}
		}
		if unique {
			pruned = append(pruned, item)
		}
	}

	return pruned
}

// Expand разбирает выражение и строит все возможные комбинации меток,
// удовлетворяющие ему, — список списков (ДНФ).
func Expand(expression string) [][]string {
	expression = translate(expression)

	var opSplit []opClause
	if !strings.ContainsAny(expression, "()") {
		opSplit = parseClauses(strings.Fields(expression))
	} else {
		// Каждая скобочная группа — самостоятельное плоское выражение
		for _, part := range strings.FieldsFunc(expression, func(r rune) bool {
			return r == '(' || r == ')'
		}) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			opSplit = append(opSplit, parseClauses(strings.Fields(part))...)
		}
	}

	return generateLists(opSplit)
}

// --- Evaluate: безопасное вычисление ---

// exprNode — узел типизированного дерева выражения.
// Разрешены только четыре вида узлов; всё прочее отвергается парсером.
type exprNode interface {
	eval(bound map[string]bool) bool
}

type nameNode struct{ name string }

func (n nameNode) eval(bound map[string]bool) bool { return bound[n.name] }

type notNode struct{ operand exprNode }

func (n notNode) eval(bound map[string]bool) bool { return !n.operand.eval(bound) }

type andNode struct{ left, right exprNode }

func (n andNode) eval(bound map[string]bool) bool {
	return n.left.eval(bound) && n.right.eval(bound)
}

type orNode struct{ left, right exprNode }

func (n orNode) eval(bound map[string]bool) bool {
	return n.left.eval(bound) || n.right.eval(bound)
}

// --- Токенизатор ---

type tokenKind int

const (
	tokName tokenKind = iota
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

// tokenize разбивает выражение на токены. Любой символ вне алфавита
// выражений меток (имена, &&, ||, !, скобки) — ошибка разбора: так
// отсекаются литералы, вызовы функций и доступ к атрибутам.
func tokenize(expression string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expression) {
		c := expression[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '&':
			if i+1 >= len(expression) || expression[i+1] != '&' {
				return nil, fmt.Errorf("одиночный '&' на позиции %d", i)
			}
			tokens = append(tokens, token{kind: tokAnd})
			i += 2
		case c == '|':
			if i+1 >= len(expression) || expression[i+1] != '|' {
				return nil, fmt.Errorf("одиночный '|' на позиции %d", i)
			}
			tokens = append(tokens, token{kind: tokOr})
			i += 2
		case c == '!':
			tokens = append(tokens, token{kind: tokNot})
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen})
			i++
		case isNameStart(c):
			start := i
			for i < len(expression) && isNameChar(expression[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokName, text: expression[start:i]})
		default:
			return nil, fmt.Errorf("недопустимый символ %q на позиции %d", c, i)
		}
	}
	return append(tokens, token{kind: tokEOF}), nil
}

// Имя метки начинается с буквы или '_': токен, начинающийся с цифры,
// был бы литералом, а литералы запрещены.
func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c == '-' || (c >= '0' && c <= '9')
}

// --- Рекурсивный парсер ---

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

// parseExpr: orExpr := andExpr ('||' andExpr)*
func (p *parser) parseExpr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

// parseAnd: andExpr := unary ('&&' unary)*
func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

// parseUnary: unary := '!' unary | '(' expr ')' | NAME
func (p *parser) parseUnary() (exprNode, error) {
	switch t := p.next(); t.kind {
	case tokNot:
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("незакрытая скобка")
		}
		return inner, nil
	case tokName:
		return nameNode{name: t.text}, nil
	default:
		return nil, fmt.Errorf("неожиданный токен в выражении")
	}
}

// parse разбирает выражение целиком; остаток после разбора — ошибка.
func parse(expression string) (exprNode, error) {
	tokens, err := tokenize(expression)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("лишние токены после выражения")
	}
	return root, nil
}

// --- Engine ---

// Engine — вычислитель label-выражений с логированием отказов.
type Engine struct {
	logger *slog.Logger
}

// NewEngine создаёт вычислитель label-выражений.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger.With(slog.String("component", "labelexpr"))}
}

// Evaluate безопасно вычисляет выражение против меток кандидата.
// Имена, присутствующие в labels, связываются в true, остальные — в false.
// Некорректный синтаксис и запрещённые конструкции дают «нет совпадения»
// (false) с warning-логом, а не ошибку вызывающему: вся цепочка
// сопоставления — best-effort эвристика над неконтролируемым текстом.
func (e *Engine) Evaluate(expression string, labels []string) bool {
	root, err := parse(expression)
	if err != nil {
		e.logger.Warn("Выражение отвергнуто",
			slog.String("expression", expression),
			slog.String("error", err.Error()),
		)
		return false
	}

	bound := make(map[string]bool, len(labels))
	for _, l := range labels {
		bound[l] = true
	}
	return root.eval(bound)
}

// MatchingArchetypes вычисляет выражение для каждого архетипа и возвращает
// имена подошедших — в конфигурационном порядке итерации.
func (e *Engine) MatchingArchetypes(expression string, archetypes []*model.Archetype) []string {
	var matched []string
	for _, a := range archetypes {
		if e.Evaluate(expression, a.Labels) {
			matched = append(matched, a.Name)
		}
	}
	return matched
}
