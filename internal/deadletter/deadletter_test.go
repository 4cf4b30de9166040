package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/flashpoint/internal/fragment"
)

func TestMemory_AddAndSnapshot(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	e := Entry{
		Fragment: &fragment.Fragment{ID: "f-1", EventType: fragment.Flood},
		Reason:   "bucket lock timeout",
		Attempts: 3,
		FailedAt: time.Unix(1000, 0),
	}
	if err := m.Add(ctx, e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(ctx, Entry{Fragment: &fragment.Fragment{ID: "f-2"}, Reason: "index unavailable"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}

	got := m.Entries()
	if got[0].Fragment.ID != "f-1" || got[0].Reason != "bucket lock timeout" || got[0].Attempts != 3 {
		t.Errorf("entry 0 = %+v", got[0])
	}

	// The snapshot must be detached from the sink's backing slice.
	got[1] = Entry{}
	if m.Entries()[1].Fragment.ID != "f-2" {
		t.Error("Entries returned the internal slice")
	}
}
