// Package eco2mix fetches the French national generation mix from the ODRE
// open-data API and maps it onto the grid fields.
package eco2mix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"oventime/internal/model"
)

// DefaultBaseURL is the real-time national dataset of the ODRE portal.
const DefaultBaseURL = "https://odre.opendatasoft.com/api/explore/v2.1/catalog/datasets/eco2mix-national-tr/records"

// components lists the raw columns summed into each grid field.
var components = map[string][]string{
	model.FieldNuclear:   {"nucleaire"},
	model.FieldStorage:   {"hydraulique_lacs", "hydraulique_step_turbinage", "pompage", "destockage_batterie", "stockage_batterie"},
	model.FieldGasCCG:    {"gaz_ccg"},
	model.FieldGasTAC:    {"gaz_tac"},
	model.FieldRenewable: {"eolien", "solaire", "hydraulique_fil_eau_eclusee"},
	model.FieldOther:     {"charbon", "gaz_autres", "fioul_tac", "fioul_autres", "gaz_cogen", "fioul_cogen", "bioenergies"},
	model.FieldLoad:      {"consommation"},
}

// Config configures the client.
type Config struct {
	BaseURL   string
	PageSize  int
	Timeout   time.Duration
	RPS       float64
	Burst     int
	UserAgent string
}

// Client pages through the records API. It implements model.Fetcher.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a client, filling unset config with defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "oventime/1.0"
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type recordsPage struct {
	TotalCount int              `json:"total_count"`
	Results    []map[string]any `json:"results"`
}

// Fetch returns every record in [start, end), one page at a time. Each page
// resumes one grid step after the last timestamp received.
func (c *Client) Fetch(ctx context.Context, start, end time.Time) ([]model.Observation, error) {
	var out []model.Observation
	for start.Before(end) {
		page, err := c.fetchPage(ctx, start, end)
		if err != nil {
			return nil, err
		}
		obs := mapRecords(page.Results)
		out = append(out, obs...)

		if len(page.Results) < c.cfg.PageSize || len(obs) == 0 {
			break
		}
		start = obs[len(obs)-1].TS.Add(model.GridStep)
	}
	log.Printf("[eco2mix] fetched %d records", len(out))
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, start, end time.Time) (*recordsPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("where", fmt.Sprintf("date_heure >= date'%s' AND date_heure < date'%s'",
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)))
	q.Set("order_by", "date_heure ASC")
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("eco2mix: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("eco2mix: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("eco2mix: unexpected status %d: %s", resp.StatusCode, body)
	}

	var page recordsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("eco2mix: decode: %w", err)
	}
	return &page, nil
}

// mapRecords converts raw records, sorted by date_heure, into observations.
// Records without a parseable date_heure are skipped.
func mapRecords(records []map[string]any) []model.Observation {
	out := make([]model.Observation, 0, len(records))
	for _, rec := range records {
		raw, _ := rec["date_heure"].(string)
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			continue
		}
		vals := make(map[string]float64, len(components))
		for field, cols := range components {
			if v, ok := sum(rec, cols); ok {
				vals[field] = v
			}
		}
		out = append(out, model.Observation{TS: ts.UTC(), Values: vals})
	}
	return out
}

// sum adds cols; any missing or null column makes the result missing.
func sum(rec map[string]any, cols []string) (float64, bool) {
	var total float64
	for _, col := range cols {
		v, ok := rec[col].(float64)
		if !ok {
			return 0, false
		}
		total += v
	}
	return total, true
}
