package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const queryRangePath = "/api/v1/query_range"

// VictoriaOptions parameterise the VictoriaMetrics fetcher.
type VictoriaOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Victoria pulls range samples from a VictoriaMetrics-compatible endpoint.
type Victoria struct {
	opts    VictoriaOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewVictoria constructs a VictoriaMetrics fetcher.
func NewVictoria(opts VictoriaOptions, logger zerolog.Logger) *Victoria {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://victoriametrics:8428"
	}

	return &Victoria{
		opts:    opts,
		logger:  logger.With().Str("component", "metric_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Fetch executes a range query and flattens the matrix response into samples.
// Rows with unparseable values are skipped.
func (v *Victoria) Fetch(ctx context.Context, query string, from, to time.Time, step time.Duration) ([]Sample, error) {
	if query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(from.Unix(), 10))
	params.Set("end", strconv.FormatInt(to.Unix(), 10))
	params.Set("step", strconv.FormatInt(int64(step/time.Second), 10)+"s")

	endpoint := v.baseURL + queryRangePath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(v.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query_range error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var rangeRes rangeResponse
	if err := json.Unmarshal(payload, &rangeRes); err != nil {
		return nil, fmt.Errorf("decode query_range response: %w", err)
	}
	if rangeRes.Status != "" && rangeRes.Status != "success" {
		return nil, fmt.Errorf("query_range status %q: %s", rangeRes.Status, rangeRes.Error)
	}

	samples := make([]Sample, 0)
	skipped := 0
	for _, series := range rangeRes.Data.Result {
		entity := series.Metric["__name__"]
		if entity == "" {
			entity = "unknown"
		}
		for _, pair := range series.Values {
			sample, ok := parseValuePair(entity, pair)
			if !ok {
				skipped++
				continue
			}
			samples = append(samples, sample)
		}
	}

	v.logger.Debug().
		Int("samples", len(samples)).
		Int("skipped", skipped).
		Str("query", query).
		Msg("fetched range samples")

	return samples, nil
}

type rangeResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		Result []struct {
			Metric map[string]string `json:"metric"`
			Values [][2]any          `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

func parseValuePair(entity string, pair [2]any) (Sample, bool) {
	ts, ok := pair[0].(float64)
	if !ok {
		return Sample{}, false
	}
	raw, ok := pair[1].(string)
	if !ok {
		return Sample{}, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Sample{}, false
	}
	return Sample{
		Entity:    entity,
		Timestamp: time.Unix(int64(ts), 0).UTC(),
		Value:     value,
	}, true
}

var _ Fetcher = (*Victoria)(nil)
