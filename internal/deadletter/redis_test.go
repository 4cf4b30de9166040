package deadletter

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/linnemanlabs/flashpoint/internal/fragment"
)

// Integration test; runs only when FLASHPOINT_TEST_REDIS_URL points at
// a disposable Redis.
func TestRedis_AddAndDrain(t *testing.T) {
	url := os.Getenv("FLASHPOINT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FLASHPOINT_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	key := fmt.Sprintf("flashpoint:test:deadletter:%d", time.Now().UnixNano())

	sink, err := NewRedis(ctx, url, key)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	for i := 0; i < 3; i++ {
		e := Entry{
			Fragment: &fragment.Fragment{ID: fmt.Sprintf("f-%d", i), EventType: fragment.Fire},
			Reason:   "bucket lock timeout",
			Attempts: 5,
			FailedAt: time.Unix(int64(1000+i), 0).UTC(),
		}
		if err := sink.Add(ctx, e); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	got, err := sink.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("drained %d entries, want 3", len(got))
	}
	for i, e := range got {
		if want := fmt.Sprintf("f-%d", i); e.Fragment.ID != want {
			t.Errorf("entry %d fragment = %q, want %q (FIFO order)", i, e.Fragment.ID, want)
		}
	}

	// Drained list is empty.
	got, err = sink.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("Drain empty: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("drained %d from empty list", len(got))
	}
}
