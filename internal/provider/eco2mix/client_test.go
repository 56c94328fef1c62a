package eco2mix

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"oventime/internal/model"
)

var t0 = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

func record(ts time.Time, nuclear float64) map[string]any {
	return map[string]any{
		"date_heure":                  ts.Format("2006-01-02T15:04:05+00:00"),
		"nucleaire":                   nuclear,
		"hydraulique_lacs":            1000.0,
		"hydraulique_step_turbinage":  200.0,
		"pompage":                     -300.0,
		"destockage_batterie":         10.0,
		"stockage_batterie":           -5.0,
		"gaz_ccg":                     1500.0,
		"gaz_tac":                     20.0,
		"eolien":                      4000.0,
		"solaire":                     2500.0,
		"hydraulique_fil_eau_eclusee": 3000.0,
		"charbon":                     0.0,
		"gaz_autres":                  5.0,
		"fioul_tac":                   0.0,
		"fioul_autres":                50.0,
		"gaz_cogen":                   400.0,
		"fioul_cogen":                 10.0,
		"bioenergies":                 900.0,
		"consommation":                52000.0,
		"perimetre":                   "France",
	}
}

// fakeODRE serves `total` quarter-hour records from t0 honouring the
// date_heure lower bound and the limit parameter.
func fakeODRE(t *testing.T, total int, queries *[]string) *httptest.Server {
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		*queries = append(*queries, q.Get("where"))
		mu.Unlock()

		if q.Get("order_by") != "date_heure ASC" {
			t.Errorf("order_by = %q", q.Get("order_by"))
		}
		limit, _ := strconv.Atoi(q.Get("limit"))

		// where = "date_heure >= date'<start>' AND ..."
		where := q.Get("where")
		i := strings.Index(where, "date'")
		startStr := where[i+5 : i+5+len("2006-01-02T15:04:05Z")]
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			t.Errorf("bad where clause %q", where)
		}

		var results []map[string]any
		for k := 0; k < total && len(results) < limit; k++ {
			ts := t0.Add(time.Duration(k) * model.GridStep)
			if ts.Before(start) {
				continue
			}
			results = append(results, record(ts, 40000+float64(k)))
		}
		json.NewEncoder(w).Encode(map[string]any{"total_count": total, "results": results})
	}))
}

func TestFetch_PagesUntilShortPage(t *testing.T) {
	var queries []string
	srv := fakeODRE(t, 5, &queries)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, PageSize: 2, RPS: 1000, Burst: 10})
	obs, err := c.Fetch(context.Background(), t0, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(obs) != 5 {
		t.Fatalf("got %d observations, want 5", len(obs))
	}
	if len(queries) != 3 {
		t.Errorf("made %d requests, want 3", len(queries))
	}
	for i, o := range obs {
		if !o.TS.Equal(t0.Add(time.Duration(i) * model.GridStep)) {
			t.Errorf("obs %d at %v", i, o.TS)
		}
	}
	if !strings.Contains(queries[1], t0.Add(2*model.GridStep).Format(time.RFC3339)) {
		t.Errorf("second page should resume after the last row: %s", queries[1])
	}
}

func TestMapRecords_SumsComponents(t *testing.T) {
	rec := record(t0, 41000)
	rec["gaz_tac"] = nil // null in the API
	delete(rec, "bioenergies")

	obs := mapRecords([]map[string]any{rec, {"date_heure": "not a date"}})
	if len(obs) != 1 {
		t.Fatalf("got %d observations", len(obs))
	}
	v := obs[0].Values

	want := map[string]float64{
		model.FieldNuclear:   41000,
		model.FieldStorage:   1000 + 200 - 300 + 10 - 5,
		model.FieldGasCCG:    1500,
		model.FieldRenewable: 4000 + 2500 + 3000,
		model.FieldLoad:      52000,
	}
	for field, w := range want {
		if got, ok := v[field]; !ok || got != w {
			t.Errorf("%s = %v (present=%v), want %v", field, got, ok, w)
		}
	}
	for _, field := range []string{model.FieldGasTAC, model.FieldOther} {
		if got, ok := v[field]; ok && !math.IsNaN(got) {
			t.Errorf("%s should be missing, got %v", field, got)
		}
	}
}

func TestFetch_HTTPErrorAndCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, RPS: 1000})
	_, err := c.Fetch(context.Background(), t0, t0.Add(time.Hour))
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("expected status error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Fetch(ctx, t0, t0.Add(time.Hour)); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled fetch: %v", err)
	}
}
