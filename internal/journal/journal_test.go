package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/peterje/perfhint/internal/session"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func testInfo(id string, created time.Time) session.Info {
	return session.Info{
		ID:            id,
		Owner:         "c1",
		PID:           42,
		ThreadIDs:     []int32{42, 43},
		InitialTarget: 16 * time.Millisecond,
		Target:        16 * time.Millisecond,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestRecordLifecycle(t *testing.T) {
	j := openTest(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	info := testInfo("s1", now)

	if err := j.Record(session.Event{Kind: session.EventCreated, Info: info}); err != nil {
		t.Fatalf("created: %v", err)
	}

	info.Target = 8 * time.Millisecond
	if err := j.Record(session.Event{Kind: session.EventTarget, Info: info}); err != nil {
		t.Fatalf("target: %v", err)
	}

	info.LastActual = 9 * time.Millisecond
	info.MeanActual = 9 * time.Millisecond
	info.Reports = 1
	info.Boost = 3
	if err := j.Record(session.Event{Kind: session.EventReport, Info: info}); err != nil {
		t.Fatalf("report: %v", err)
	}

	records, err := j.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Reports != 0 {
		t.Fatalf("reports should be pending until flush, got %d", records[0].Reports)
	}

	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	hint := session.HintLoadUp
	info.LastHint = &hint
	if err := j.Record(session.Event{Kind: session.EventHint, Info: info}); err != nil {
		t.Fatalf("hint: %v", err)
	}
	if err := j.Record(session.Event{Kind: session.EventClosed, Info: info}); err != nil {
		t.Fatalf("closed: %v", err)
	}

	records, err = j.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	r := records[0]
	if r.Status != "closed" || r.ClosedAt == nil {
		t.Fatalf("expected closed record, got %+v", r)
	}
	if r.Target != 8*time.Millisecond || r.InitialTarget != 16*time.Millisecond {
		t.Fatalf("unexpected targets: %v / %v", r.Target, r.InitialTarget)
	}
	if r.Reports != 1 || r.Boost != 3 || r.LastActual != 9*time.Millisecond {
		t.Fatalf("unexpected stats: %+v", r)
	}
	if r.LastHint == nil || *r.LastHint != int32(session.HintLoadUp) {
		t.Fatalf("unexpected last hint: %v", r.LastHint)
	}
	if len(r.ThreadIDs) != 2 || r.ThreadIDs[1] != 43 {
		t.Fatalf("unexpected thread ids: %v", r.ThreadIDs)
	}

	var hints int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM hints WHERE session_id = ?`, "s1").Scan(&hints); err != nil {
		t.Fatalf("count hints: %v", err)
	}
	if hints != 1 {
		t.Fatalf("expected 1 hint row, got %d", hints)
	}
}

func TestListOrderAndLimit(t *testing.T) {
	j := openTest(t)
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		info := testInfo(id, base.Add(time.Duration(i)*time.Second))
		if err := j.Record(session.Event{Kind: session.EventCreated, Info: info}); err != nil {
			t.Fatalf("created %s: %v", id, err)
		}
	}

	records, err := j.List(2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 || records[0].ID != "c" || records[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", records)
	}
}

func TestCloseStale(t *testing.T) {
	j := openTest(t)
	now := time.Now().UTC()
	for _, id := range []string{"a", "b"} {
		if err := j.Record(session.Event{Kind: session.EventCreated, Info: testInfo(id, now)}); err != nil {
			t.Fatalf("created: %v", err)
		}
	}
	if err := j.Record(session.Event{Kind: session.EventClosed, Info: testInfo("a", now)}); err != nil {
		t.Fatalf("closed: %v", err)
	}

	n, err := j.CloseStale()
	if err != nil {
		t.Fatalf("CloseStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale session, got %d", n)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Record(session.Event{Kind: session.EventCreated, Info: testInfo("s1", time.Now().UTC())}); err != nil {
		t.Fatalf("created: %v", err)
	}
	j.Close()

	j, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	records, err := j.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected history to survive reopen, got %d", len(records))
	}
}
