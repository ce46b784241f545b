// Package geo resolves reported locations and nearby shelters through the
// OpenStreetMap Nominatim API. It is a boundary-layer concern: the gateway
// attaches shelter suggestions to escalated sessions, the engine core never
// calls it.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/crisisdesk/triage/pkg/httputil"
)

var (
	// ErrVagueLocation marks input too ambiguous to geocode ("home",
	// "here", "outside"). The caller should ask for city plus landmark.
	ErrVagueLocation = errors.New("location too vague to geocode")

	// ErrNotFound means the geocoder returned no match.
	ErrNotFound = errors.New("location not found")
)

// vagueLocations are rejected before any network call. They describe a place
// relative to the caller, which the geocoder cannot resolve.
var vagueLocations = map[string]struct{}{
	"home": {}, "house": {}, "apartment": {}, "work": {}, "office": {},
	"school": {}, "here": {}, "inside": {}, "outside": {},
	"not sure": {}, "dont know": {}, "don't know": {}, "unsure": {},
	"somewhere": {}, "around": {}, "nearby": {}, "close": {}, "far": {},
	"there": {}, "this place": {}, "my place": {}, "upstairs": {},
	"downstairs": {}, "room": {}, "building": {}, "car": {}, "vehicle": {},
}

// shelterQueries are tried in order. OSM tagging varies by city, so shelter
// lookup is best effort.
var shelterQueries = []string{
	"emergency shelter",
	"evacuation center",
	"community center",
	"shelter",
}

// Place is a resolved location.
type Place struct {
	DisplayName string  `json:"display_name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// Resolution is the outcome of resolving a reported location.
type Resolution struct {
	Place    Place    `json:"place"`
	Shelters []string `json:"shelters,omitempty"`
}

// Client talks to a Nominatim endpoint.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client

	shelterRadiusKm float64
	shelterLimit    int
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithShelterSearch tunes the shelter lookup radius and result cap.
func WithShelterSearch(radiusKm float64, limit int) ClientOption {
	return func(c *Client) {
		c.shelterRadiusKm = radiusKm
		c.shelterLimit = limit
	}
}

// NewClient creates a Nominatim client. The user agent must identify the
// deployment; Nominatim's usage policy requires it.
func NewClient(baseURL, userAgent string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		userAgent:       userAgent,
		httpClient:      httputil.LookupClient(),
		shelterRadiusKm: 5.0,
		shelterLimit:    5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve geocodes a reported location and finds nearby shelters. Vague or
// incomplete input fails fast without a network call.
func (c *Client) Resolve(ctx context.Context, locationText string) (*Resolution, error) {
	raw := strings.TrimSpace(locationText)
	normalized := strings.ToLower(raw)

	if _, vague := vagueLocations[normalized]; vague {
		return nil, fmt.Errorf("%q: %w", raw, ErrVagueLocation)
	}
	if len(normalized) < 4 || isAllDigits(normalized) {
		return nil, fmt.Errorf("%q: %w", raw, ErrVagueLocation)
	}

	place, err := c.Geocode(ctx, raw)
	if err != nil {
		return nil, err
	}

	res := &Resolution{Place: *place}
	shelters, err := c.NearestShelters(ctx, place.Lat, place.Lon)
	if err == nil {
		res.Shelters = shelters
	}
	// Shelter lookup failures degrade to a resolution without suggestions.
	return res, nil
}

// Geocode resolves free-form text to the top-ranked place.
func (c *Client) Geocode(ctx context.Context, query string) (*Place, error) {
	params := url.Values{
		"format":         {"json"},
		"q":              {query},
		"limit":          {"1"},
		"addressdetails": {"1"},
	}

	var results []nominatimResult
	if err := c.search(ctx, params, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("geocode %q: %w", query, ErrNotFound)
	}

	top := results[0]
	lat, latErr := strconv.ParseFloat(top.Lat, 64)
	lon, lonErr := strconv.ParseFloat(top.Lon, 64)
	if latErr != nil || lonErr != nil {
		return nil, fmt.Errorf("geocode %q: malformed coordinates in response", query)
	}
	name := top.DisplayName
	if name == "" {
		name = query
	}
	return &Place{DisplayName: name, Lat: lat, Lon: lon}, nil
}

// NearestShelters searches a bounded viewbox around a coordinate for shelter
// candidates, deduplicated across the query variants.
func (c *Client) NearestShelters(ctx context.Context, lat, lon float64) ([]string, error) {
	// Rough degree conversion for the bounding box.
	dlat := c.shelterRadiusKm / 111.0
	dlon := c.shelterRadiusKm / 111.0
	viewbox := fmt.Sprintf("%f,%f,%f,%f", lon-dlon, lat+dlat, lon+dlon, lat-dlat)

	var shelters []string
	seen := make(map[string]struct{})

	for _, q := range shelterQueries {
		params := url.Values{
			"format":         {"json"},
			"q":              {q},
			"limit":          {strconv.Itoa(c.shelterLimit)},
			"addressdetails": {"1"},
			"bounded":        {"1"},
			"viewbox":        {viewbox},
		}

		var results []nominatimResult
		if err := c.search(ctx, params, &results); err != nil {
			continue
		}
		for _, item := range results {
			if item.DisplayName == "" {
				continue
			}
			if _, dup := seen[item.DisplayName]; dup {
				continue
			}
			seen[item.DisplayName] = struct{}{}
			shelters = append(shelters, item.DisplayName)
			if len(shelters) >= c.shelterLimit {
				return shelters, nil
			}
		}
	}
	return shelters, nil
}

type nominatimResult struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
}

func (c *Client) search(ctx context.Context, params url.Values, out *[]nominatimResult) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build nominatim request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("nominatim search: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		if snippet := httputil.ErrorSnippet(resp.Body); snippet != "" {
			return fmt.Errorf("nominatim search: status %d: %s", resp.StatusCode, snippet)
		}
		return fmt.Errorf("nominatim search: unexpected status %d", resp.StatusCode)
	}

	body, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
	if err != nil {
		return fmt.Errorf("nominatim search: read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("nominatim search: decode body: %w", err)
	}
	return nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
