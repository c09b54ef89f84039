package model

import (
	"testing"
	"time"
)

// TestFleetNodeCloudName проверяет, что имя у провайдера всегда
// выводится из пары архетип + идентификатор.
func TestFleetNodeCloudName(t *testing.T) {
	n := &FleetNode{Archetype: "wheezy", Identifier: "deadbeef"}
	if got := n.CloudName(); got != "wheezy__deadbeef" {
		t.Errorf("ожидалось wheezy__deadbeef, получено %s", got)
	}
}

// TestFleetNodeIdle проверяет признак простоя.
func TestFleetNodeIdle(t *testing.T) {
	n := &FleetNode{}
	if n.Idle() {
		t.Error("машина без idle_since не простаивает")
	}

	since := time.Now()
	n.IdleSince = &since
	if !n.Idle() {
		t.Error("машина с idle_since простаивает")
	}
}

// TestFleetNodeLabelsMatch проверяет сравнение по надмножеству:
// запись с лишними метками всё ещё подходит под требования.
func TestFleetNodeLabelsMatch(t *testing.T) {
	n := &FleetNode{Labels: []string{"wheezy", "linux", "x86_64", "docker"}}

	if !n.LabelsMatch([]string{"linux", "x86_64"}) {
		t.Error("требуемое подмножество должно совпадать")
	}
	if !n.LabelsMatch(nil) {
		t.Error("пустые требования всегда совпадают")
	}
	if n.LabelsMatch([]string{"linux", "windows"}) {
		t.Error("отсутствующая метка не должна совпадать")
	}
}
