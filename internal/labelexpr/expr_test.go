// expr_test.go — тесты раскрытия ДНФ и безопасного вычисления выражений.
package labelexpr

import (
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/arturkryukov/buildfleet/internal/domain/model"
)

func testEngine() *Engine {
	return NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		expected   [][]string
	}{
		{
			name:       "только and",
			expression: "foo&&bar&&baz",
			expected:   [][]string{{"foo", "bar", "baz"}},
		},
		{
			name:       "только or",
			expression: "foo||baz||bar",
			expected:   [][]string{{"foo"}, {"baz"}, {"bar"}},
		},
		{
			name:       "скобочные группы с and",
			expression: "(foo && bar) && (baz && meh)",
			expected:   [][]string{{"foo", "bar", "baz", "meh"}},
		},
		{
			name:       "скобочные группы с or — декартово произведение",
			expression: "(foo || bar) || (baz || meh)",
			expected: [][]string{
				{"foo", "baz"},
				{"foo", "meh"},
				{"bar", "baz"},
				{"bar", "meh"},
			},
		},
		{
			name:       "метка и скобочная альтернатива",
			expression: "huge&&(trusty||centos)",
			expected:   [][]string{{"huge", "trusty"}, {"huge", "centos"}},
		},
		{
			name:       "мусор без операторов",
			expression: "this is not garbage",
			expected:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Expand(tt.expression)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("Expand(%q) = %v, ожидалось %v", tt.expression, result, tt.expected)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	labels := []string{"amd64", "wheezy", "huge"}

	tests := []struct {
		name       string
		expression string
		expected   bool
	}{
		{"одиночная метка присутствует", "wheezy", true},
		{"одиночная метка отсутствует", "arm64", false},
		{"and обе присутствуют", "amd64&&wheezy", true},
		{"and одна отсутствует", "amd64&&small", false},
		{"or одна присутствует", "arm64||huge", true},
		{"отрицание отсутствующей", "amd64&&!small", true},
		{"отрицание присутствующей", "amd64&&!wheezy", false},
		{"двойное отрицание", "!!amd64", true},
		{"вложенные скобки", "((amd64&&wheezy) || (arm64&&!huge))", true},
		{"скобки с отрицанием группы", "!(arm64||small)", true},
		{"пробелы вокруг операторов", "amd64 && !small", true},
	}

	e := testEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Evaluate(tt.expression, labels); got != tt.expected {
				t.Errorf("Evaluate(%q) = %v, ожидалось %v", tt.expression, got, tt.expected)
			}
		})
	}
}

// TestEvaluateRejectsUnsafe: любой синтаксис за пределами булевых выражений
// над именами — «нет совпадения», без исполнения. Это граница безопасности:
// строка выражения приходит из недоверенного внешнего ответа.
func TestEvaluateRejectsUnsafe(t *testing.T) {
	unsafe := []string{
		"a.0",
		"a.b",
		"a.call()",
		`"a".len()`,
		"a.__dict__",
		"1",
		"42&&a",
		"a=b",
		"a;b",
		"a,b",
		"a&b",
		"a|b",
		"",
		"&&a",
		"a&&",
		"(a",
	}

	e := testEngine()
	for _, expr := range unsafe {
		t.Run(expr, func(t *testing.T) {
			// метка "a" присутствует — отказ должен идти от парсера,
			// а не от несвязанного имени
			if e.Evaluate(expr, []string{"a", "b"}) {
				t.Errorf("Evaluate(%q) = true, выражение должно быть отвергнуто", expr)
			}
		})
	}
}

func TestMatchingArchetypes(t *testing.T) {
	archetypes := []*model.Archetype{
		{Name: "wheezy_huge", Labels: []string{"amd64", "wheezy", "huge"}},
		{Name: "wheezy_small", Labels: []string{"amd64", "wheezy", "small"}},
	}

	tests := []struct {
		expression string
		expected   []string
	}{
		{"wheezy", []string{"wheezy_huge", "wheezy_small"}},
		{"huge||small", []string{"wheezy_huge", "wheezy_small"}},
		{"huge", []string{"wheezy_huge"}},
		{"small", []string{"wheezy_small"}},
		{"huge&&amd64", []string{"wheezy_huge"}},
		{"amd64&&!small", []string{"wheezy_huge"}},
		{"arm64", nil},
		{"(amd64 && trusty) || (arm64 && wheezy)", nil},
	}

	e := testEngine()
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			got := e.MatchingArchetypes(tt.expression, archetypes)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("MatchingArchetypes(%q) = %v, ожидалось %v", tt.expression, got, tt.expected)
			}
		})
	}
}
