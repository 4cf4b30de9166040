package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/flashpoint/internal/engine"
	"github.com/linnemanlabs/flashpoint/internal/engine/memstore"
	"github.com/linnemanlabs/flashpoint/internal/fragment"
	"github.com/linnemanlabs/flashpoint/internal/geo"
	"github.com/linnemanlabs/flashpoint/internal/simindex"
)

func newTestService(listener engine.UpdateListener) (*engine.Service, *memstore.Store, *simindex.Memory) {
	store := memstore.New()
	index := simindex.NewMemory()
	cfg := engine.ServiceConfig{
		Thresholds: engine.Thresholds{Base: 0.82},
		Matcher: engine.MatcherConfig{
			RadiusKM:     50,
			TimeGap:      6 * time.Hour,
			ReopenWindow: 14 * 24 * time.Hour,
			TopK:         5,
		},
		Buckets:      engine.Bucketer{CellDegrees: 0.5, Slot: 6 * time.Hour},
		LockTimeout:  2 * time.Second,
		EmbeddingDim: 3,
		CASMaxTries:  5,
	}
	return engine.NewService(store, index, cfg, nil, engine.EngineHooks{}, listener), store, index
}

func validFragment(id string, at time.Time) *fragment.Fragment {
	return &fragment.Fragment{
		ID:         id,
		SourceID:   "src-" + id,
		SourceText: "flood waters rising near the river",
		ObservedAt: at,
		EventType:  fragment.Flood,
		Location:   &geo.Point{Lat: 19.43, Lon: -99.13},
		Urgency:    fragment.UrgencyHigh,
		Embedding:  []float32{1, 0, 0},
	}
}

func TestService_CreateThenMerge(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(nil)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	a := validFragment("frag-a", at)
	resA, err := svc.Process(ctx, a)
	if err != nil {
		t.Fatalf("Process A: %v", err)
	}
	if resA.Outcome != engine.OutcomeCreated {
		t.Fatalf("A outcome = %q, want created", resA.Outcome)
	}
	if resA.Incident.Version != 1 {
		t.Errorf("A version = %d, want 1", resA.Incident.Version)
	}

	// Same flood reported 12 km away, 900 s later, higher urgency.
	b := validFragment("frag-b", at.Add(900*time.Second))
	b.Location = &geo.Point{Lat: 19.54, Lon: -99.13}
	b.Urgency = fragment.UrgencyCritical
	b.Embedding = []float32{0.99, 0.14, 0}

	resB, err := svc.Process(ctx, b)
	if err != nil {
		t.Fatalf("Process B: %v", err)
	}
	if resB.Outcome != engine.OutcomeMerged {
		t.Fatalf("B outcome = %q, want merged", resB.Outcome)
	}
	in := resB.Incident
	if in.ID != resA.Incident.ID {
		t.Fatalf("B merged into %s, want %s", in.ID, resA.Incident.ID)
	}
	if in.Version != 2 {
		t.Errorf("version = %d, want 2", in.Version)
	}
	if len(in.FragmentIDs) != 2 || in.FragmentIDs[0] != "frag-a" || in.FragmentIDs[1] != "frag-b" {
		t.Errorf("FragmentIDs = %v, want [frag-a frag-b]", in.FragmentIDs)
	}
	if in.Urgency != fragment.UrgencyCritical {
		t.Errorf("Urgency = %v, want critical", in.Urgency)
	}
	if got := in.Window.End.Sub(in.Window.Start); got != 900*time.Second {
		t.Errorf("window span = %v, want 900s", got)
	}
	if resB.Score < 0.82 {
		t.Errorf("merge score = %v, below threshold", resB.Score)
	}
}

func TestService_DifferentTypeCreatesNew(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(nil)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	resA, err := svc.Process(ctx, validFragment("frag-a", at))
	if err != nil {
		t.Fatalf("Process A: %v", err)
	}

	// A fire in the same area and time is a different incident even
	// with an identical embedding.
	c := validFragment("frag-c", at.Add(time.Minute))
	c.EventType = fragment.Fire
	c.SourceText = "warehouse fire spreading"

	resC, err := svc.Process(ctx, c)
	if err != nil {
		t.Fatalf("Process C: %v", err)
	}
	if resC.Outcome != engine.OutcomeCreated {
		t.Fatalf("C outcome = %q, want created", resC.Outcome)
	}
	if resC.Incident.ID == resA.Incident.ID {
		t.Error("fire fragment landed in the flood incident")
	}
}

func TestService_DissimilarEmbeddingCreatesNew(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(nil)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	if _, err := svc.Process(ctx, validFragment("frag-a", at)); err != nil {
		t.Fatalf("Process A: %v", err)
	}

	d := validFragment("frag-d", at.Add(time.Minute))
	d.Embedding = []float32{0, 1, 0} // cosine 0 to the incident centroid
	res, err := svc.Process(ctx, d)
	if err != nil {
		t.Fatalf("Process D: %v", err)
	}
	if res.Outcome != engine.OutcomeCreated {
		t.Fatalf("outcome = %q, want created below similarity threshold", res.Outcome)
	}
}

func TestService_ReplayIsNoop(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(nil)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	a := validFragment("frag-a", at)
	first, err := svc.Process(ctx, a)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	replay, err := svc.Process(ctx, a)
	if err != nil {
		t.Fatalf("Process replay: %v", err)
	}
	if replay.Outcome != engine.OutcomeDuplicate {
		t.Fatalf("replay outcome = %q, want duplicate", replay.Outcome)
	}
	if replay.Incident.ID != first.Incident.ID {
		t.Errorf("replay incident = %s, want %s", replay.Incident.ID, first.Incident.ID)
	}
	if replay.Incident.Version != first.Incident.Version {
		t.Errorf("replay bumped version %d -> %d", first.Incident.Version, replay.Incident.Version)
	}
	if len(replay.Incident.FragmentIDs) != 1 {
		t.Errorf("FragmentIDs = %v, replay must not append", replay.Incident.FragmentIDs)
	}
}

func TestService_MalformedRejected(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(nil)

	bad := validFragment("frag-bad", time.Unix(1_700_000_000, 0))
	bad.Embedding = []float32{1, 0} // wrong dimension

	_, err := svc.Process(context.Background(), bad)
	if !errors.Is(err, fragment.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestService_ReopensStaleIncident(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(nil)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	first, err := svc.Process(ctx, validFragment("frag-a", at))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Simulate the sweeper demoting the incident.
	_, err = store.Update(ctx, first.Incident.ID, first.Incident.Version, func(in *engine.Incident) error {
		in.Status = engine.StatusStale
		return nil
	})
	if err != nil {
		t.Fatalf("demote: %v", err)
	}

	late := validFragment("frag-late", at.Add(2*time.Hour))
	res, err := svc.Process(ctx, late)
	if err != nil {
		t.Fatalf("Process late: %v", err)
	}
	if res.Outcome != engine.OutcomeMerged {
		t.Fatalf("outcome = %q, want merged into the stale incident", res.Outcome)
	}
	if res.Incident.Status != engine.StatusOpen {
		t.Errorf("Status = %q, want reopened", res.Incident.Status)
	}
}

// Fragments of one event arriving in any order converge to a single
// incident with the same membership and the same monotonic fields.
func TestService_OrderIndependentConvergence(t *testing.T) {
	t.Parallel()

	at := time.Unix(1_700_000_000, 0)
	build := func() []*fragment.Fragment {
		frags := make([]*fragment.Fragment, 0, 4)
		for i := 0; i < 4; i++ {
			f := validFragment(fmt.Sprintf("frag-%d", i), at.Add(time.Duration(i)*10*time.Minute))
			f.Urgency = fragment.Urgency(2 + i%4)
			f.Embedding = []float32{1, float32(i) * 0.03, 0}
			frags = append(frags, f)
		}
		return frags
	}

	run := func(order []int) *engine.Incident {
		svc, _, _ := newTestService(nil)
		ctx := context.Background()
		frags := build()
		var last *engine.Incident
		for _, i := range order {
			res, err := svc.Process(ctx, frags[i])
			if err != nil {
				t.Fatalf("Process %d: %v", i, err)
			}
			last = res.Incident
		}
		return last
	}

	forward := run([]int{0, 1, 2, 3})
	reversed := run([]int{3, 2, 1, 0})
	shuffled := run([]int{2, 0, 3, 1})

	for _, got := range []*engine.Incident{reversed, shuffled} {
		if len(got.FragmentIDs) != len(forward.FragmentIDs) {
			t.Fatalf("membership size %d vs %d across orders", len(got.FragmentIDs), len(forward.FragmentIDs))
		}
		if got.Urgency != forward.Urgency {
			t.Errorf("Urgency %v vs %v across orders", got.Urgency, forward.Urgency)
		}
		if got.Window != forward.Window {
			t.Errorf("Window %+v vs %+v across orders", got.Window, forward.Window)
		}
		if got.Version != forward.Version {
			t.Errorf("Version %d vs %d across orders", got.Version, forward.Version)
		}
	}
}

// Concurrent fragments for the same event must never split into
// parallel incidents, and no fragment may land in two incidents.
func TestService_ConcurrentNoDuplicateMembership(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(nil)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	const n = 24
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := validFragment(fmt.Sprintf("frag-%d", i), at.Add(time.Duration(rand.Intn(600))*time.Second))
			if _, err := svc.Process(ctx, f); err != nil {
				t.Errorf("Process %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	incidents, err := store.List(ctx, engine.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("got %d incidents, want 1 (concurrent split)", len(incidents))
	}

	seen := make(map[string]string)
	total := 0
	for _, in := range incidents {
		for _, fid := range in.FragmentIDs {
			if prev, ok := seen[fid]; ok {
				t.Errorf("fragment %s in both %s and %s", fid, prev, in.ID)
			}
			seen[fid] = in.ID
			total++
		}
	}
	if total != n {
		t.Errorf("total memberships = %d, want %d", total, n)
	}
}

type captureListener struct {
	mu      sync.Mutex
	updates []string
	done    chan struct{}
}

func (c *captureListener) OnIncidentUpdate(_ context.Context, in *engine.Incident, outcome string) {
	c.mu.Lock()
	c.updates = append(c.updates, outcome+":"+in.ID)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func TestService_DispatchesUpdates(t *testing.T) {
	t.Parallel()

	listener := &captureListener{done: make(chan struct{}, 4)}
	svc, _, _ := newTestService(listener)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	res, err := svc.Process(ctx, validFragment("frag-a", at))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	select {
	case <-listener.done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never received the update")
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if want := engine.OutcomeCreated + ":" + res.Incident.ID; listener.updates[0] != want {
		t.Errorf("update = %q, want %q", listener.updates[0], want)
	}
}

func TestService_ApplySummary(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(nil)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	res, err := svc.Process(ctx, validFragment("frag-a", at))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	updated, err := svc.ApplySummary(ctx, res.Incident.ID, res.Incident.Version,
		"Flood along the east bank.", []string{"deploy rescue teams"})
	if err != nil {
		t.Fatalf("ApplySummary: %v", err)
	}
	if updated.Summary == "" || len(updated.RecommendedActions) != 1 {
		t.Errorf("summary not applied: %+v", updated)
	}
	if updated.Version != res.Incident.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, res.Incident.Version+1)
	}

	// A second apply against the old version is a superseded write.
	_, err = svc.ApplySummary(ctx, res.Incident.ID, res.Incident.Version, "stale text", nil)
	if !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}

func TestService_SearchSimilar(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(nil)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	resA, err := svc.Process(ctx, validFragment("frag-a", at))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := svc.SearchSimilar(ctx, []float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(got) != 1 || got[0].Incident.ID != resA.Incident.ID {
		t.Fatalf("results = %+v, want the one incident", got)
	}

	if _, err := svc.SearchSimilar(ctx, []float32{1, 0}, 3); err == nil {
		t.Error("wrong-dimension query accepted")
	}
}
