// Package entsoe fetches French day-ahead prices from the ENTSO-E
// Transparency Platform and spreads them onto the quarter-hour grid.
package entsoe

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"oventime/internal/model"
)

const (
	DefaultBaseURL = "https://web-api.tp.entsoe.eu/api"
	// FranceDomain is the EIC code of the French bidding zone.
	FranceDomain = "10YFR-RTE------C"

	documentDayAheadPrices = "A44"
	periodLayout           = "200601021504"
)

// Config configures the client.
type Config struct {
	BaseURL string
	APIKey  string
	Domain  string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Client queries A44 documents. It implements model.Fetcher.
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
	if cfg.Domain == "" {
		cfg.Domain = FranceDomain
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type marketDocument struct {
	XMLName    xml.Name     `xml:"Publication_MarketDocument"`
	TimeSeries []timeSeries `xml:"TimeSeries"`
}

type timeSeries struct {
	Periods []period `xml:"Period"`
}

type period struct {
	Start      string  `xml:"timeInterval>start"`
	End        string  `xml:"timeInterval>end"`
	Resolution string  `xml:"resolution"`
	Points     []point `xml:"Point"`
}

type point struct {
	Position int     `xml:"position"`
	Price    float64 `xml:"price.amount"`
}

type acknowledgement struct {
	XMLName xml.Name `xml:"Acknowledgement_MarketDocument"`
	Reasons []struct {
		Code string `xml:"code"`
		Text string `xml:"text"`
	} `xml:"Reason"`
}

// Fetch returns one PRICE observation per quarter hour in [start, end).
// A window the platform has no prices for yields no rows, not an error.
func (c *Client) Fetch(ctx context.Context, start, end time.Time) ([]model.Observation, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("entsoe: no API key configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("securityToken", c.cfg.APIKey)
	q.Set("documentType", documentDayAheadPrices)
	q.Set("in_Domain", c.cfg.Domain)
	q.Set("out_Domain", c.cfg.Domain)
	q.Set("periodStart", start.UTC().Format(periodLayout))
	q.Set("periodEnd", end.UTC().Format(periodLayout))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("entsoe: create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("entsoe: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("entsoe: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("entsoe: unexpected status %d: %s", resp.StatusCode, truncate(body, 512))
	}

	obs, err := Parse(body, start, end)
	if err != nil {
		return nil, err
	}
	log.Printf("[entsoe] fetched %d quarter-hour prices", len(obs))
	return obs, nil
}

// Parse decodes an A44 document (or an acknowledgement) into quarter-hour
// observations within [start, end), sorted by time.
func Parse(body []byte, start, end time.Time) ([]model.Observation, error) {
	if strings.Contains(string(body[:min(len(body), 256)]), "Acknowledgement_MarketDocument") {
		var ack acknowledgement
		if err := xml.Unmarshal(body, &ack); err != nil {
			return nil, fmt.Errorf("entsoe: decode acknowledgement: %w", err)
		}
		for _, r := range ack.Reasons {
			// 999: no matching data for the requested window
			if r.Code != "999" {
				return nil, fmt.Errorf("entsoe: request rejected (%s): %s", r.Code, r.Text)
			}
		}
		return nil, nil
	}

	var doc marketDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("entsoe: decode: %w", err)
	}

	prices := make(map[int64]float64)
	for _, ts := range doc.TimeSeries {
		for _, p := range ts.Periods {
			if err := expand(p, prices); err != nil {
				return nil, err
			}
		}
	}

	out := make([]model.Observation, 0, len(prices))
	for unix, v := range prices {
		t := time.Unix(unix, 0).UTC()
		if t.Before(start) || !t.Before(end) {
			continue
		}
		out = append(out, model.Observation{TS: t, Values: map[string]float64{model.FieldPrice: v}})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

// expand spreads each point of p over the quarter hours it covers. Positions
// left out of the period repeat the previous point's price.
func expand(p period, into map[int64]float64) error {
	start, err := parseInterval(p.Start)
	if err != nil {
		return err
	}
	end, err := parseInterval(p.End)
	if err != nil {
		return err
	}
	res, err := parseResolution(p.Resolution)
	if err != nil {
		return err
	}

	byPos := make(map[int]float64, len(p.Points))
	for _, pt := range p.Points {
		byPos[pt.Position] = pt.Price
	}

	slots := int(end.Sub(start) / res)
	var price float64
	have := false
	for pos := 1; pos <= slots; pos++ {
		if v, ok := byPos[pos]; ok {
			price, have = v, true
		}
		if !have {
			continue
		}
		slotStart := start.Add(time.Duration(pos-1) * res)
		for q := time.Duration(0); q < res; q += model.GridStep {
			into[slotStart.Add(q).Unix()] = price
		}
	}
	return nil
}

func parseInterval(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04Z", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("entsoe: bad interval bound %q", s)
}

func parseResolution(s string) (time.Duration, error) {
	if !strings.HasPrefix(s, "PT") || !strings.HasSuffix(s, "M") {
		return 0, fmt.Errorf("entsoe: unsupported resolution %q", s)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(s, "PT"), "M"))
	if err != nil || n <= 0 || n%15 != 0 {
		return 0, fmt.Errorf("entsoe: unsupported resolution %q", s)
	}
	return time.Duration(n) * time.Minute, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
