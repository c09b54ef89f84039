// classifier_test.go — тесты классификации причин блокировки очереди.
package matcher

import (
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		reason    string
		wantKind  ReasonKind
		wantToken string
	}{
		{
			name:      "нет свободного исполнителя на ноде",
			reason:    "Waiting for next available executor on wheezy",
			wantKind:  KindBusy,
			wantToken: "wheezy",
		},
		{
			name:      "нет свободного исполнителя на ноде с IP-хвостом",
			reason:    "Waiting for next available executor on wheezy+192.168.1.12",
			wantKind:  KindBusy,
			wantToken: "wheezy+192.168.1.12",
		},
		{
			name:      "все ноды метки offline",
			reason:    "All nodes of label ‘amd64’ are offline",
			wantKind:  KindLabelOffline,
			wantToken: "amd64",
		},
		{
			name:      "нода offline",
			reason:    "wheezy is offline",
			wantKind:  KindNodeOffline,
			wantToken: "wheezy",
		},
		{
			name:      "нода с суффиксом offline",
			reason:    "centos6+192.168.168.90 is offline",
			wantKind:  KindNodeOffline,
			wantToken: "centos6+192.168.168.90",
		},
		{
			name:      "нет нод с меткой",
			reason:    "There are no nodes with the label ‘huge&&centos’",
			wantKind:  KindNodeLabelOffline,
			wantToken: "huge&&centos",
		},
		{
			name:     "пустая строка",
			reason:   "",
			wantKind: KindUnrecognized,
		},
		{
			name:     "неизвестная формулировка",
			reason:   "this is not garbage",
			wantKind: KindUnrecognized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.reason)
			if got.Kind != tt.wantKind {
				t.Errorf("Classify(%q).Kind = %v, ожидалось %v", tt.reason, got.Kind, tt.wantKind)
			}
			if got.Kind != KindUnrecognized && got.Token != tt.wantToken {
				t.Errorf("Classify(%q).Token = %q, ожидалось %q", tt.reason, got.Token, tt.wantToken)
			}
		})
	}
}

func TestIsStuck(t *testing.T) {
	tests := []struct {
		reason   string
		expected bool
	}{
		{"Waiting for next available executor on wheezy", true},
		{"All nodes of label ‘amd64’ are offline", true},
		{"wheezy is offline", true},
		{"There are no nodes with the label ‘foo’", true},
		{"", false},
		{"random text", false},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			if got := IsStuck(tt.reason); got != tt.expected {
				t.Errorf("IsStuck(%q) = %v, ожидалось %v", tt.reason, got, tt.expected)
			}
		})
	}
}
