package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/elonfeng/drugradar/internal/cache"
	"github.com/elonfeng/drugradar/internal/store"
	"github.com/elonfeng/drugradar/pkg/event"
	"github.com/elonfeng/drugradar/pkg/notify"
	"github.com/elonfeng/drugradar/pkg/openfda"
)

type fakeRemote struct {
	search      map[string]string
	counts      map[string]string
	searchErr   error
	searchCalls int
	countCalls  int
}

func (f *fakeRemote) Search(_ context.Context, dir event.Direction, key string) (json.RawMessage, error) {
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	body, ok := f.search[cache.Key(dir, key)]
	if !ok {
		return nil, &openfda.Error{Kind: openfda.KindNotFound, Endpoint: "event.json", Status: 404}
	}
	return json.RawMessage(body), nil
}

func (f *fakeRemote) Count(_ context.Context, dir event.Direction, key string) (json.RawMessage, error) {
	f.countCalls++
	body, ok := f.counts[cache.Key(dir, key)]
	if !ok {
		return nil, &openfda.Error{Kind: openfda.KindNotFound, Endpoint: "event.json", Status: 404}
	}
	return json.RawMessage(body), nil
}

const ibuprofenSearch = `{"results":[
	{"safetyreportid":"1","patient":{"patientonsetage":"34","patientsex":"2","reaction":[{"reactionmeddrapt":"NAUSEA"},{"reactionmeddrapt":"HEADACHE"}]}},
	{"safetyreportid":"2","patient":{"reaction":[{"reactionmeddrapt":"NAUSEA"}]}},
	{"safetyreportid":"3","patient":{"patientonsetage":"71","patientsex":"1","reaction":[{"reactionmeddrapt":"RASH"},{"reactionmeddrapt":"PRURITUS"},{"reactionmeddrapt":"FATIGUE"}]}}
]}`

const ibuprofenCounts = `{"results":[{"term":"NAUSEA","count":120},{"term":"HEADACHE","count":80},{"term":"RASH","count":80}]}`

const nauseaSearch = `{"results":[
	{"safetyreportid":"9","patient":{"patientsex":"1","drug":[{"medicinalproduct":"aspirin"},{"medicinalproduct":"ibuprofen  200"}]}}
]}`

type env struct {
	svc          *Service
	remote       *fakeRemote
	store        *store.SQLiteStore
	searchPath   string
	summaryPath  string
	searchCache  *cache.Store
	summaryCache *cache.Store
}

func setupService(t *testing.T, notifier *notify.Manager) *env {
	t.Helper()
	dir := t.TempDir()

	searchPath := filepath.Join(dir, "search_cache.json")
	summaryPath := filepath.Join(dir, "summary_cache.json")
	searchCache, err := cache.Open(searchPath)
	if err != nil {
		t.Fatalf("open search cache: %v", err)
	}
	summaryCache, err := cache.Open(summaryPath)
	if err != nil {
		t.Fatalf("open summary cache: %v", err)
	}

	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	remote := &fakeRemote{
		search: map[string]string{
			"drug:IBUPROFEN":  ibuprofenSearch,
			"reaction:Nausea": nauseaSearch,
		},
		counts: map[string]string{
			"drug:IBUPROFEN": ibuprofenCounts,
		},
	}

	return &env{
		svc:          New(remote, searchCache, summaryCache, s, notifier, nil),
		remote:       remote,
		store:        s,
		searchPath:   searchPath,
		summaryPath:  summaryPath,
		searchCache:  searchCache,
		summaryCache: summaryCache,
	}
}

func TestFindByDrugCountsEveryReaction(t *testing.T) {
	e := setupService(t, nil)

	res, err := e.svc.FindByDrug(context.Background(), "  ibuprofen ")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.Key != "IBUPROFEN" {
		t.Errorf("key = %q, want IBUPROFEN", res.Key)
	}
	// 2 + 1 + 3 reactions across the three reports.
	if len(res.Observations) != 6 {
		t.Fatalf("observations = %d, want 6", len(res.Observations))
	}
	if res.Cached {
		t.Error("first lookup reported as cached")
	}
	for _, o := range res.Observations {
		if o.Drug != "IBUPROFEN" {
			t.Errorf("drug = %q, want IBUPROFEN", o.Drug)
		}
	}

	st, err := e.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := store.Stats{Drugs: 1, Observations: 6, DrugCounts: 3}
	if st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}
}

func TestFindIsIdempotent(t *testing.T) {
	e := setupService(t, nil)
	ctx := context.Background()

	first, err := e.svc.FindByDrug(ctx, "IBUPROFEN")
	if err != nil {
		t.Fatalf("first find: %v", err)
	}
	st1, _ := e.store.Stats(ctx)
	searchCalls, countCalls := e.remote.searchCalls, e.remote.countCalls

	second, err := e.svc.FindByDrug(ctx, "ibuprofen")
	if err != nil {
		t.Fatalf("second find: %v", err)
	}
	if e.remote.searchCalls != searchCalls || e.remote.countCalls != countCalls {
		t.Errorf("remote called again: search %d->%d count %d->%d",
			searchCalls, e.remote.searchCalls, countCalls, e.remote.countCalls)
	}
	if !second.Cached {
		t.Error("second lookup not served from cache")
	}
	if !reflect.DeepEqual(first.Observations, second.Observations) {
		t.Errorf("observations differ between calls")
	}

	st2, _ := e.store.Stats(ctx)
	if st1 != st2 {
		t.Errorf("stats changed on repeat: %+v -> %+v", st1, st2)
	}
}

func TestFindSurvivesRestart(t *testing.T) {
	e := setupService(t, nil)
	ctx := context.Background()
	if _, err := e.svc.FindByDrug(ctx, "IBUPROFEN"); err != nil {
		t.Fatalf("find: %v", err)
	}

	reopened, err := cache.Open(e.searchPath)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	if _, ok := reopened.Get("drug:IBUPROFEN"); !ok {
		t.Fatal("search payload not persisted")
	}
	summary, err := cache.Open(e.summaryPath)
	if err != nil {
		t.Fatalf("reopen summary cache: %v", err)
	}
	if _, ok := summary.Get("drug:IBUPROFEN"); !ok {
		t.Fatal("count payload not persisted")
	}
}

func TestFindNotFoundLeavesStateUntouched(t *testing.T) {
	e := setupService(t, nil)
	ctx := context.Background()

	_, err := e.svc.FindByDrug(ctx, "NOTADRUG")
	if !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, statErr := os.Stat(e.searchPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("search cache written on not found: %v", statErr)
	}
	if e.searchCache.Len() != 0 {
		t.Errorf("search cache has %d entries", e.searchCache.Len())
	}
	st, _ := e.store.Stats(ctx)
	if st != (store.Stats{}) {
		t.Errorf("stats = %+v, want empty", st)
	}

	// Not-found results are not cached: a second attempt goes upstream again.
	calls := e.remote.searchCalls
	_, _ = e.svc.FindByDrug(ctx, "NOTADRUG")
	if e.remote.searchCalls != calls+1 {
		t.Errorf("search calls = %d, want %d", e.remote.searchCalls, calls+1)
	}
}

func TestFindNotFoundKeepsExistingCacheBytes(t *testing.T) {
	e := setupService(t, nil)
	ctx := context.Background()
	if _, err := e.svc.FindByDrug(ctx, "IBUPROFEN"); err != nil {
		t.Fatalf("find: %v", err)
	}
	before, err := os.ReadFile(e.searchPath)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}

	if _, err := e.svc.FindByDrug(ctx, "NOTADRUG"); !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	after, err := os.ReadFile(e.searchPath)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	if string(before) != string(after) {
		t.Error("cache file changed after not-found lookup")
	}
}

func TestFindMalformedPayloadIsNotFound(t *testing.T) {
	e := setupService(t, nil)
	e.remote.search["drug:BROKEN"] = `{"meta":{}}`

	_, err := e.svc.FindByDrug(context.Background(), "broken")
	if !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if e.searchCache.Len() != 0 {
		t.Error("payload without results was cached")
	}
}

func TestFindWrongShapeResultsNotCached(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"object", `{"results":{"a":1}}`},
		{"scalars", `{"results":[1]}`},
		{"string", `{"results":"none"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setupService(t, nil)
			ctx := context.Background()
			if _, err := e.svc.FindByDrug(ctx, "IBUPROFEN"); err != nil {
				t.Fatalf("seed find: %v", err)
			}
			before, err := os.ReadFile(e.searchPath)
			if err != nil {
				t.Fatalf("read cache: %v", err)
			}
			stBefore, _ := e.store.Stats(ctx)

			e.remote.search["drug:BROKEN"] = tt.payload
			_, err = e.svc.FindByDrug(ctx, "broken")
			if !errors.Is(err, event.ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
			if _, ok := e.searchCache.Get("drug:BROKEN"); ok {
				t.Error("malformed payload cached")
			}
			if e.searchCache.Len() != 1 {
				t.Errorf("search cache len = %d, want 1", e.searchCache.Len())
			}
			after, err := os.ReadFile(e.searchPath)
			if err != nil {
				t.Fatalf("read cache: %v", err)
			}
			if string(before) != string(after) {
				t.Error("cache file changed after malformed lookup")
			}
			if stAfter, _ := e.store.Stats(ctx); stAfter != stBefore {
				t.Errorf("stats = %+v, want %+v", stAfter, stBefore)
			}

			// Nothing was cached, so a corrected upstream answer is picked up.
			e.remote.search["drug:BROKEN"] = `{"results":[{"safetyreportid":"5","patient":{"reaction":[{"reactionmeddrapt":"RASH"}]}}]}`
			res, err := e.svc.FindByDrug(ctx, "broken")
			if err != nil {
				t.Fatalf("find after fix: %v", err)
			}
			if res.Cached || len(res.Observations) != 1 {
				t.Errorf("result = %+v, want one fresh observation", res)
			}
		})
	}
}

func TestFindMalformedCountsYieldEmptySummary(t *testing.T) {
	e := setupService(t, nil)
	e.remote.counts["drug:IBUPROFEN"] = `{"results":[{"term":"X","count":"many"}]}`
	ctx := context.Background()

	res, err := e.svc.FindByDrug(ctx, "IBUPROFEN")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(res.Observations) != 6 {
		t.Errorf("observations = %d, want 6", len(res.Observations))
	}
	if len(res.Summary) != 0 {
		t.Errorf("summary = %+v, want empty", res.Summary)
	}
	if e.summaryCache.Len() != 0 {
		t.Error("malformed counts payload cached")
	}
	st, _ := e.store.Stats(ctx)
	if want := (store.Stats{Drugs: 1, Observations: 6}); st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}

	// A repeat lookup serves the search from cache and asks for counts again.
	if _, err := e.svc.FindByDrug(ctx, "IBUPROFEN"); err != nil {
		t.Fatalf("second find: %v", err)
	}
	if e.remote.searchCalls != 1 || e.remote.countCalls != 2 {
		t.Errorf("search calls = %d, count calls = %d, want 1 and 2", e.remote.searchCalls, e.remote.countCalls)
	}
}

func TestDrugAndReactionLookupsShareObservations(t *testing.T) {
	e := setupService(t, nil)
	ctx := context.Background()
	// Report 1 seen from the reaction side, with the same demographics.
	e.remote.search["reaction:Nausea"] = `{"results":[
		{"safetyreportid":"1","patient":{"patientonsetage":"34","patientsex":"2","drug":[{"medicinalproduct":"ibuprofen"}]}}
	]}`

	if _, err := e.svc.FindByDrug(ctx, "ibuprofen"); err != nil {
		t.Fatalf("drug find: %v", err)
	}
	if _, err := e.svc.FindByReaction(ctx, "nausea"); err != nil {
		t.Fatalf("reaction find: %v", err)
	}

	st, err := e.store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Observations != 6 {
		t.Errorf("observations = %d, want 6 (same report stored once)", st.Observations)
	}

	ids, err := e.store.ReportIDs(ctx, event.ByReaction, "Nausea", 10)
	if err != nil {
		t.Fatalf("report ids: %v", err)
	}
	if want := []string{"1", "2"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("reaction report ids = %v, want %v", ids, want)
	}
	genders, err := e.store.GenderCounts(ctx, event.ByReaction, "Nausea")
	if err != nil {
		t.Fatalf("genders: %v", err)
	}
	if len(genders) != 2 {
		t.Errorf("reaction genders = %+v, want rows from both lookups", genders)
	}
}

func TestFindEmptyResultsNotPersisted(t *testing.T) {
	e := setupService(t, nil)
	e.remote.search["drug:PLACEBO"] = `{"results":[]}`
	ctx := context.Background()

	res, err := e.svc.FindByDrug(ctx, "placebo")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.Observations == nil || len(res.Observations) != 0 {
		t.Fatalf("observations = %#v, want empty non-nil", res.Observations)
	}
	if e.remote.countCalls != 0 {
		t.Errorf("count called %d times for empty search", e.remote.countCalls)
	}
	st, _ := e.store.Stats(ctx)
	if st != (store.Stats{}) {
		t.Errorf("stats = %+v, want empty", st)
	}
}

func TestFindTransientErrorPropagates(t *testing.T) {
	e := setupService(t, nil)
	e.remote.searchErr = &openfda.Error{Kind: openfda.KindTransient, Endpoint: "event.json", Status: 503}

	_, err := e.svc.FindByDrug(context.Background(), "IBUPROFEN")
	if err == nil {
		t.Fatal("expected error")
	}
	if !openfda.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
	if errors.Is(err, event.ErrNotFound) {
		t.Error("transient error reported as not found")
	}
	if outcome(err) != "transient" {
		t.Errorf("outcome = %q, want transient", outcome(err))
	}
}

func TestFindEmptyName(t *testing.T) {
	e := setupService(t, nil)
	if _, err := e.svc.FindByDrug(context.Background(), "   "); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("err = %v, want ErrEmptyName", err)
	}
	if e.remote.searchCalls != 0 {
		t.Error("remote called for empty name")
	}
}

func TestSummaryPersistedInUpstreamOrder(t *testing.T) {
	e := setupService(t, nil)
	ctx := context.Background()

	res, err := e.svc.FindByDrug(ctx, "IBUPROFEN")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	want := []event.SummaryCount{
		{Subject: "IBUPROFEN", Attribute: "NAUSEA", Count: 120, Rank: 0},
		{Subject: "IBUPROFEN", Attribute: "HEADACHE", Count: 80, Rank: 1},
		{Subject: "IBUPROFEN", Attribute: "RASH", Count: 80, Rank: 2},
	}
	if !reflect.DeepEqual(res.Summary, want) {
		t.Errorf("summary = %+v, want %+v", res.Summary, want)
	}

	top, err := e.store.TopAttributes(ctx, event.ByDrug, "IBUPROFEN", 10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if !reflect.DeepEqual(top, want) {
		t.Errorf("stored top = %+v, want %+v", top, want)
	}
}

func TestFindByReaction(t *testing.T) {
	e := setupService(t, nil)
	ctx := context.Background()

	res, err := e.svc.FindByReaction(ctx, "NAUSEA")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.Key != "Nausea" {
		t.Errorf("key = %q, want Nausea", res.Key)
	}
	want := []event.Observation{
		{ReportID: "9", Drug: "ASPIRIN", Reaction: "Nausea", Gender: event.GenderMale},
		{ReportID: "9", Drug: "IBUPROFEN 200", Reaction: "Nausea", Gender: event.GenderMale},
	}
	if !reflect.DeepEqual(res.Observations, want) {
		t.Errorf("observations = %+v, want %+v", res.Observations, want)
	}
	// No counts upstream: summary is empty and Top tallies locally.
	if len(res.Summary) != 0 {
		t.Errorf("summary = %+v, want empty", res.Summary)
	}
	if top := res.Top(5); len(top) != 2 || top[0].Count != 1 {
		t.Errorf("local top = %+v", top)
	}

	names, err := e.store.Searched(ctx, event.ByReaction)
	if err != nil {
		t.Fatalf("searched: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"Nausea"}) {
		t.Errorf("searched = %v", names)
	}
}

func TestNotifiesOnlyFreshLookups(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := setupService(t, notify.NewManager([]notify.Notifier{notify.NewWebhook(srv.URL, "")}))
	ctx := context.Background()

	if _, err := e.svc.FindByDrug(ctx, "IBUPROFEN"); err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, err := e.svc.FindByDrug(ctx, "IBUPROFEN"); err != nil {
		t.Fatalf("find again: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("webhook hits = %d, want 1", got)
	}
}
