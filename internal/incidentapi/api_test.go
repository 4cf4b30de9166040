package incidentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/flashpoint/internal/engine"
	"github.com/linnemanlabs/flashpoint/internal/engine/memstore"
	"github.com/linnemanlabs/flashpoint/internal/fragment"
	"github.com/linnemanlabs/flashpoint/internal/geo"
	"github.com/linnemanlabs/flashpoint/internal/simindex"
)

const testEmbeddingDim = 3

// syncIngest processes fragments inline so tests observe results
// without polling a worker pool.
type syncIngest struct {
	svc *engine.Service
}

func (s *syncIngest) Enqueue(ctx context.Context, f *fragment.Fragment) error {
	_, err := s.svc.Process(ctx, f)
	return err
}

type failingIngest struct {
	err error
}

func (f failingIngest) Enqueue(context.Context, *fragment.Fragment) error {
	return f.err
}

func newTestService() *engine.Service {
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
		EmbeddingDim: testEmbeddingDim,
		CASMaxTries:  5,
	}
	return engine.NewService(memstore.New(), simindex.NewMemory(), cfg, nil, engine.EngineHooks{}, nil)
}

func newTestAPI(t *testing.T) (*API, *engine.Service) {
	t.Helper()
	svc := newTestService()
	api := New(nil, svc, &syncIngest{svc: svc}, testEmbeddingDim)
	return api, svc
}

func newTestRouter(t *testing.T) (chi.Router, *engine.Service) {
	t.Helper()
	api, svc := newTestAPI(t)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r, svc
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

func ingestBody(t *testing.T, frags ...*fragment.Fragment) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(ingestRequest{Fragments: frags})
	if err != nil {
		t.Fatalf("marshal ingest request: %v", err)
	}
	return bytes.NewReader(b)
}

func postJSON(t *testing.T, r chi.Router, path string, body *bytes.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	svc := newTestService()
	api := New(nil, svc, &syncIngest{svc: svc}, testEmbeddingDim)
	if api.logger == nil {
		t.Fatal("New(nil, ...) left logger nil; expected Nop logger")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with nil service did not panic")
		}
	}()
	New(nil, nil, failingIngest{}, testEmbeddingDim)
}

func TestNew_NilIngestor_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with nil ingestor did not panic")
		}
	}()
	New(nil, newTestService(), nil, testEmbeddingDim)
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"GET fragments not allowed", http.MethodGet, "/api/v1/fragments", "", http.StatusMethodNotAllowed},
		{"DELETE fragments not allowed", http.MethodDelete, "/api/v1/fragments", "", http.StatusMethodNotAllowed},
		{"POST invalid JSON", http.MethodPost, "/api/v1/fragments", "{bad", http.StatusBadRequest},
		{"GET incidents list", http.MethodGet, "/api/v1/incidents", "", http.StatusOK},
		{"POST incidents list not allowed", http.MethodPost, "/api/v1/incidents", "{}", http.StatusMethodNotAllowed},
		{"GET missing incident", http.MethodGet, "/api/v1/incidents/nope", "", http.StatusNotFound},
		{"PUT summary not allowed", http.MethodPut, "/api/v1/incidents/nope/summary", "{}", http.StatusMethodNotAllowed},
		{"GET similar not allowed", http.MethodGet, "/api/v1/incidents/similar", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_NotFound(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	paths := []string{"/", "/api/v1", "/api/v2/fragments", "/api/v1/unknown"}

	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusNotFound {
				t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusNotFound)
			}
		})
	}
}

// Ingest

func TestHandleIngestFragments_AcceptsAndRejects(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	at := time.Unix(1_700_000_000, 0)

	good := validFragment("frag-good", at)
	bad := validFragment("frag-bad", at)
	bad.EventType = "asteroid"

	rec := postJSON(t, r, "/api/v1/fragments", ingestBody(t, good, bad))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	var resp struct {
		Results []ingestResult `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if resp.Results[0].ID != "frag-good" || resp.Results[0].Status != ingestAccepted {
		t.Errorf("first result = %+v, want accepted frag-good", resp.Results[0])
	}
	if resp.Results[1].Status != ingestRejected {
		t.Errorf("second result = %+v, want rejected", resp.Results[1])
	}
	if !strings.Contains(resp.Results[1].Error, "event_type") {
		t.Errorf("rejection error = %q, want event_type mentioned", resp.Results[1].Error)
	}
}

func TestHandleIngestFragments_AllRejected(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	bad := validFragment("frag-bad", time.Now())
	bad.Embedding = []float32{1} // wrong length

	rec := postJSON(t, r, "/api/v1/fragments", ingestBody(t, bad))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleIngestFragments_EmptyBatch(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	rec := postJSON(t, r, "/api/v1/fragments", bytes.NewReader([]byte(`{"fragments":[]}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleIngestFragments_QueueFull(t *testing.T) {
	t.Parallel()

	api := New(nil, newTestService(), failingIngest{err: engine.ErrQueueFull}, testEmbeddingDim)
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	rec := postJSON(t, r, "/api/v1/fragments", ingestBody(t, validFragment("frag-1", time.Now())))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	var resp struct {
		Results []ingestResult `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Status != ingestRejected {
		t.Fatalf("results = %+v, want one rejected entry", resp.Results)
	}
	if resp.Results[0].Error != engine.ErrQueueFull.Error() {
		t.Errorf("error = %q, want %q", resp.Results[0].Error, engine.ErrQueueFull.Error())
	}
}

// Incident reads

func TestHandleGetIncident(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	ctx := context.Background()

	res, err := svc.Process(ctx, validFragment("frag-1", time.Unix(1_700_000_000, 0)))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/"+res.Incident.ID, http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got engine.Incident
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode incident: %v", err)
	}
	if got.ID != res.Incident.ID {
		t.Errorf("id = %q, want %q", got.ID, res.Incident.ID)
	}
	if got.EventType != fragment.Flood || got.Status != engine.StatusOpen {
		t.Errorf("got %+v, want open flood incident", got)
	}
	if len(got.FragmentIDs) != 1 || got.FragmentIDs[0] != "frag-1" {
		t.Errorf("fragment_ids = %v, want [frag-1]", got.FragmentIDs)
	}
}

func TestHandleListIncidents_Filters(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	if _, err := svc.Process(ctx, validFragment("frag-flood", at)); err != nil {
		t.Fatalf("Process flood: %v", err)
	}

	fire := validFragment("frag-fire", at)
	fire.EventType = fragment.Fire
	fire.Location = &geo.Point{Lat: 40.71, Lon: -74.0}
	fire.Urgency = fragment.UrgencyMedium
	fire.Embedding = []float32{0, 1, 0}
	if _, err := svc.Process(ctx, fire); err != nil {
		t.Fatalf("Process fire: %v", err)
	}

	list := func(t *testing.T, query string) []engine.Incident {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents"+query, http.NoBody)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /api/v1/incidents%s = %d, want 200", query, rec.Code)
		}
		var resp struct {
			Incidents []engine.Incident `json:"incidents"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return resp.Incidents
	}

	if got := list(t, ""); len(got) != 2 {
		t.Errorf("unfiltered = %d incidents, want 2", len(got))
	}
	if got := list(t, "?type=flood"); len(got) != 1 || got[0].EventType != fragment.Flood {
		t.Errorf("type=flood = %+v, want one flood", got)
	}
	if got := list(t, "?min_urgency=high"); len(got) != 1 || got[0].Urgency != fragment.UrgencyHigh {
		t.Errorf("min_urgency=high = %+v, want one high", got)
	}
	if got := list(t, "?bbox=19,-100,20,-99"); len(got) != 1 || got[0].EventType != fragment.Flood {
		t.Errorf("bbox = %+v, want one flood", got)
	}
	if got := list(t, "?status=open"); len(got) != 2 {
		t.Errorf("status=open = %d incidents, want 2", len(got))
	}
	if got := list(t, "?status=archived"); len(got) != 0 {
		t.Errorf("status=archived = %d incidents, want 0", len(got))
	}
}

func TestHandleListIncidents_BadQuery(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	queries := []string{
		"?type=asteroid",
		"?status=bogus",
		"?min_urgency=6",
		"?min_urgency=sideways",
		"?bbox=1,2,3",
		"?bbox=91,0,92,1",
		"?since=yesterday",
		"?limit=0",
	}

	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents"+q, http.NoBody)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("GET %s = %d, want %d", q, rec.Code, http.StatusBadRequest)
			}
		})
	}
}

// Summary write-back

func TestHandleApplySummary(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	ctx := context.Background()

	res, err := svc.Process(ctx, validFragment("frag-1", time.Unix(1_700_000_000, 0)))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	body := []byte(`{"expected_version":1,"summary":"Flooding near the river.","recommended_actions":["deploy rescue teams"]}`)
	rec := postJSON(t, r, "/api/v1/incidents/"+res.Incident.ID+"/summary", bytes.NewReader(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var got engine.Incident
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode incident: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
	if got.Summary != "Flooding near the river." {
		t.Errorf("summary = %q", got.Summary)
	}

	// Replaying the stale version must conflict.
	rec = postJSON(t, r, "/api/v1/incidents/"+res.Incident.ID+"/summary", bytes.NewReader(body))
	if rec.Code != http.StatusConflict {
		t.Errorf("stale apply = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestHandleApplySummary_Validation(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"invalid JSON", "/api/v1/incidents/x/summary", "{bad", http.StatusBadRequest},
		{"missing summary", "/api/v1/incidents/x/summary", `{"expected_version":1}`, http.StatusBadRequest},
		{"zero version", "/api/v1/incidents/x/summary", `{"expected_version":0,"summary":"s"}`, http.StatusBadRequest},
		{"unknown incident", "/api/v1/incidents/nope/summary", `{"expected_version":1,"summary":"s"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := postJSON(t, r, tt.path, bytes.NewReader([]byte(tt.body)))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

// Similarity search

func TestHandleSearchSimilar(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	ctx := context.Background()

	res, err := svc.Process(ctx, validFragment("frag-1", time.Unix(1_700_000_000, 0)))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	rec := postJSON(t, r, "/api/v1/incidents/similar", bytes.NewReader([]byte(`{"embedding":[1,0,0],"k":3}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Results []searchHit `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(resp.Results))
	}
	if resp.Results[0].Incident.ID != res.Incident.ID {
		t.Errorf("hit id = %q, want %q", resp.Results[0].Incident.ID, res.Incident.ID)
	}
	if resp.Results[0].Score < 0.999 {
		t.Errorf("score = %v, want ~1", resp.Results[0].Score)
	}
}

func TestHandleSearchSimilar_WrongDimension(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	rec := postJSON(t, r, "/api/v1/incidents/similar", bytes.NewReader([]byte(`{"embedding":[1,0]}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// Query parsing

func TestParseUrgency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    fragment.Urgency
		wantErr bool
	}{
		{"1", fragment.UrgencyMonitoring, false},
		{"5", fragment.UrgencyCritical, false},
		{"critical", fragment.UrgencyCritical, false},
		{"High", fragment.UrgencyHigh, false},
		{"0", 0, true},
		{"6", 0, true},
		{"sideways", 0, true},
	}

	for _, tt := range tests {
		got, err := parseUrgency(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseUrgency(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseUrgency(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseBBox(t *testing.T) {
	t.Parallel()

	box, err := parseBBox("19,-100,20,-99")
	if err != nil {
		t.Fatalf("parseBBox: %v", err)
	}
	want := geo.BBox{MinLat: 19, MinLon: -100, MaxLat: 20, MaxLon: -99}
	if *box != want {
		t.Errorf("box = %+v, want %+v", *box, want)
	}

	for _, bad := range []string{"", "1,2,3", "a,b,c,d", "20,-99,19,-100", "95,0,96,1"} {
		if _, err := parseBBox(bad); err == nil {
			t.Errorf("parseBBox(%q) = nil error, want error", bad)
		}
	}
}

// Fuzz

func FuzzIngestFragments(f *testing.F) {
	svc := newTestService()
	api := New(nil, svc, &syncIngest{svc: svc}, testEmbeddingDim)
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	seeds := [][]byte{
		nil,
		[]byte(""),
		[]byte("{}"),
		[]byte(`{"fragments":[]}`),
		[]byte(`{"fragments":[{"id":"f1"}]}`),
		[]byte("{invalid json"),
		[]byte("\x00\x01\x02\xff\xfe"),
		[]byte(strings.Repeat("a", 10000)),
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, body []byte) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/fragments", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		// Must not panic
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusAccepted && rec.Code != http.StatusBadRequest {
			t.Errorf("POST /api/v1/fragments with body len=%d = %d, want 202 or 400",
				len(body), rec.Code)
		}
	})
}
