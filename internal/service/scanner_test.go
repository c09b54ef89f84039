package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/arturkryukov/buildfleet/internal/ciserver"
	"github.com/arturkryukov/buildfleet/internal/labelexpr"
	"github.com/arturkryukov/buildfleet/internal/matcher"
)

func newTestScanner(t *testing.T, repo *fakeRepo, prov *fakeProvider, ci *fleetFakeCI) *QueueScanner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fleet := newTestFleet(t, repo, prov, ci)
	m := matcher.New(testArchetypes(), labelexpr.NewEngine(logger), ci, logger)
	return NewQueueScanner(ci, m, fleet, 30*time.Second, logger)
}

func TestScanOnce(t *testing.T) {
	repo := newFakeRepo()
	prov := newFakeProvider()
	ci := newFleetFakeCI()
	ci.queue = []ciserver.QueueTask{
		{Why: "Waiting for next available executor on wheezy", Stuck: true,
			Task: ciserver.TaskInfo{Name: "build-kernel"}},
		{Why: "All nodes of label ‘x86_64’ are offline", Stuck: true,
			Task: ciserver.TaskInfo{Name: "build-docs"}},
		// Незастрявшая задача с нераспознаваемой причиной — пропускается
		{Why: "In the quiet period", Stuck: false,
			Task: ciserver.TaskInfo{Name: "build-misc"}},
	}
	scanner := newTestScanner(t, repo, prov, ci)

	if err := scanner.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce() ошибка: %v", err)
	}

	// wheezy: 1 задача → ceil(1*0.75) = 1 машина;
	// centos6 (метка x86_64): 1 задача → 1 машина
	if prov.createdCount() != 2 {
		t.Errorf("создано %d машин, хотели 2", prov.createdCount())
	}
	byArch := make(map[string]int)
	nodes, _ := repo.List(context.Background())
	for _, n := range nodes {
		byArch[n.Archetype]++
	}
	if byArch["wheezy"] != 1 || byArch["centos6"] != 1 {
		t.Errorf("распределение по архетипам %v, хотели wheezy=1, centos6=1", byArch)
	}
}

// TestScanOnceAggregatesTasks: несколько задач одного архетипа дают один
// запрос ёмкости с суммарным количеством.
func TestScanOnceAggregatesTasks(t *testing.T) {
	repo := newFakeRepo()
	prov := newFakeProvider()
	ci := newFleetFakeCI()
	ci.queue = []ciserver.QueueTask{
		{Why: "Waiting for next available executor on wheezy", Stuck: true,
			Task: ciserver.TaskInfo{Name: "job-a"}},
		{Why: "Waiting for next available executor on wheezy", Stuck: true,
			Task: ciserver.TaskInfo{Name: "job-b"}},
		{Why: "Waiting for next available executor on wheezy", Stuck: true,
			Task: ciserver.TaskInfo{Name: "job-c"}},
		{Why: "Waiting for next available executor on wheezy", Stuck: true,
			Task: ciserver.TaskInfo{Name: "job-d"}},
	}
	scanner := newTestScanner(t, repo, prov, ci)

	if err := scanner.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce() ошибка: %v", err)
	}

	// 4 задачи × 0.75 → 3 машины
	if prov.createdCount() != 3 {
		t.Errorf("создано %d машин, хотели 3", prov.createdCount())
	}
}

// TestScanOnceUnmatched: задача без подобранного архетипа не создаёт машин.
func TestScanOnceUnmatched(t *testing.T) {
	repo := newFakeRepo()
	prov := newFakeProvider()
	ci := newFleetFakeCI()
	ci.queue = []ciserver.QueueTask{
		{Why: "Waiting for next available executor on rhel7", Stuck: true,
			Task: ciserver.TaskInfo{Name: "mystery-job"}},
	}
	scanner := newTestScanner(t, repo, prov, ci)

	if err := scanner.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce() ошибка: %v", err)
	}
	if prov.createdCount() != 0 {
		t.Errorf("создано %d машин, хотели 0", prov.createdCount())
	}
}

// TestScannerStartStop: фоновая горутина запускается и корректно
// останавливается без утечки.
func TestScannerStartStop(t *testing.T) {
	scanner := newTestScanner(t, newFakeRepo(), newFakeProvider(), newFleetFakeCI())

	scanner.Start(context.Background())
	done := make(chan struct{})
	go func() {
		scanner.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() не завершился за 5 секунд")
	}
}
