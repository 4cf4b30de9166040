package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestOperationFromTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tag  string
		sql  string
		want string
	}{
		{"select tag", "SELECT 3", "", "SELECT"},
		{"insert tag", "INSERT 0 1", "", "INSERT"},
		{"empty tag falls back to sql", "", "update incidents set status = $1", "UPDATE"},
		{"nothing known", "", "", "UNKNOWN"},
		{"leading whitespace", "", "  delete from incidents", "DELETE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := operationFromTag(pgconn.NewCommandTag(tt.tag), tt.sql)
			if got != tt.want {
				t.Errorf("operationFromTag(%q, %q) = %q, want %q", tt.tag, tt.sql, got, tt.want)
			}
		})
	}
}

func TestQueryObserver_SetAndGet(t *testing.T) {
	// Manipulates the package-level observer; not parallel.
	defer SetQueryObserver(nil)

	var gotOp, gotOutcome string
	var gotDur time.Duration
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, op, outcome string, dur time.Duration) {
		gotOp, gotOutcome, gotDur = op, outcome, dur
	}))

	obs := getQueryObserver()
	if obs == nil {
		t.Fatal("observer not registered")
	}
	obs.ObserveQuery(context.Background(), "SELECT", "ok", 42*time.Millisecond)
	if gotOp != "SELECT" || gotOutcome != "ok" || gotDur != 42*time.Millisecond {
		t.Errorf("observed (%q, %q, %v)", gotOp, gotOutcome, gotDur)
	}

	SetQueryObserver(nil)
	if getQueryObserver() != nil {
		t.Error("observer not cleared")
	}
}
