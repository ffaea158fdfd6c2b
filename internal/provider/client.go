package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tank-monitor/etl/internal/domain"
	"tank-monitor/etl/internal/metrics"
)

// Telemetry codes assigned by the provider.
const (
	telemetryCodeTankLevel = "304"
	telemetryCodeSpeedKmh  = "17"
)

// historyItem is one sample as the provider serializes it.
type historyItem struct {
	IDPosition                 int64                  `json:"IdPosition"`
	IDEvent                    *int64                 `json:"IdEvent"`
	TrackedUnit                string                 `json:"TrackedUnit"`
	TrackedUnitIntegrationCode string                 `json:"TrackedUnitIntegrationCode"`
	EventDate                  string                 `json:"EventDate"`
	UpdateDate                 string                 `json:"UpdateDate"`
	Latitude                   *float64               `json:"Latitude"`
	Longitude                  *float64               `json:"Longitude"`
	Ignition                   *bool                  `json:"Ignition"`
	ValidGPS                   *bool                  `json:"ValidGPS"`
	ListTelemetry              map[string]json.Number `json:"ListTelemetry"`
}

type historyRequest struct {
	TrackedUnitType            int    `json:"TrackedUnitType"`
	TrackedUnitIntegrationCode string `json:"TrackedUnitIntegrationCode"`
	StartDatePosition          string `json:"StartDatePosition"`
	EndDatePosition            string `json:"EndDatePosition"`
	ClientIntegrationCode      string `json:"ClientIntegrationCode,omitempty"`
}

// Client fetches position history pages from the tracking provider.
type Client struct {
	http       *http.Client
	historyURL string
	clientCode string
	pageMax    int
	retryMax   int
	retryDelay time.Duration
	tokens     TokenSource
	log        *zap.Logger
}

func NewClient(httpClient *http.Client, baseURL, historyPath, clientCode string, pageMax, retryMax int, retryDelay time.Duration, tokens TokenSource, log *zap.Logger) *Client {
	return &Client{
		http:       httpClient,
		historyURL: strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(historyPath, "/"),
		clientCode: clientCode,
		pageMax:    pageMax,
		retryMax:   retryMax,
		retryDelay: retryDelay,
		tokens:     tokens,
		log:        log.Named("provider"),
	}
}

// FetchPositions retrieves all samples for one vehicle in [from, to]. When a
// page comes back at the provider's soft cap the cursor advances to one
// millisecond past the last returned sample and the fetch repeats, so rows
// beyond the cap are not silently lost. A page that still fails after the
// retry budget degrades to the records collected so far.
func (c *Client) FetchPositions(ctx context.Context, vehicleID string, from, to time.Time) ([]domain.PositionRecord, error) {
	var out []domain.PositionRecord
	cursor := from

	for {
		page, err := c.fetchPage(ctx, vehicleID, cursor, to)
		if err != nil {
			c.log.Warn("history fetch degraded to partial result",
				zap.String("vehicle", vehicleID),
				zap.Time("cursor", cursor),
				zap.Error(err))
			return out, nil
		}
		out = append(out, page...)

		if len(page) < c.pageMax {
			return out, nil
		}
		last := page[len(page)-1].EventTime
		next := last.Add(time.Millisecond)
		if !next.Before(to) || !next.After(cursor) {
			return out, nil
		}
		c.log.Info("provider soft cap hit, advancing cursor",
			zap.String("vehicle", vehicleID),
			zap.Int("page_size", len(page)),
			zap.Time("next_cursor", next))
		cursor = next
	}
}

// linearBackOff waits attempt*interval between tries.
type linearBackOff struct {
	interval time.Duration
	attempt  int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.interval
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

func (c *Client) fetchPage(ctx context.Context, vehicleID string, from, to time.Time) ([]domain.PositionRecord, error) {
	var records []domain.PositionRecord

	op := func() error {
		var err error
		records, err = c.doRequest(ctx, vehicleID, from, to)
		if err != nil {
			metrics.ProviderRetries.Add(1)
		}
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{interval: c.retryDelay}, uint64(c.retryMax)),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) doRequest(ctx context.Context, vehicleID string, from, to time.Time) ([]domain.PositionRecord, error) {
	resp, body, err := c.postHistory(ctx, vehicleID, from, to)
	if err != nil {
		return nil, err
	}

	// Expired credential: refresh once and replay the same request.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if err := c.tokens.Refresh(ctx); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("token refresh: %w", err))
		}
		resp, body, err = c.postHistory(ctx, vehicleID, from, to)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, backoff.Permanent(fmt.Errorf("provider returned HTTP %d", resp.StatusCode))
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		// Malformed body counts as zero results, not a failure.
		c.log.Warn("malformed history response treated as empty",
			zap.String("vehicle", vehicleID), zap.Error(err))
		return nil, nil
	}

	records := make([]domain.PositionRecord, 0, len(items))
	for _, raw := range items {
		var item historyItem
		if err := json.Unmarshal(raw, &item); err != nil || item.IDPosition == 0 {
			continue
		}
		// The provider occasionally leaks other units into the result.
		if item.TrackedUnit != "" || item.TrackedUnitIntegrationCode != "" {
			if item.TrackedUnit != vehicleID && item.TrackedUnitIntegrationCode != vehicleID {
				continue
			}
		}
		rec := toRecord(vehicleID, item, raw)
		if rec.EventTime.IsZero() {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].EventTime.Equal(records[j].EventTime) {
			return records[i].PositionID < records[j].PositionID
		}
		return records[i].EventTime.Before(records[j].EventTime)
	})
	return records, nil
}

func (c *Client) postHistory(ctx context.Context, vehicleID string, from, to time.Time) (*http.Response, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, nil, backoff.Permanent(fmt.Errorf("obtain token: %w", err))
	}

	payload, err := json.Marshal(historyRequest{
		TrackedUnitType:            1,
		TrackedUnitIntegrationCode: vehicleID,
		StartDatePosition:          isoZ(from),
		EndDatePosition:            isoZ(to),
		ClientIntegrationCode:      c.clientCode,
	})
	if err != nil {
		return nil, nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.historyURL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("history request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read history response: %w", err)
	}
	return resp, body, nil
}

func toRecord(vehicleID string, item historyItem, raw json.RawMessage) domain.PositionRecord {
	rec := domain.PositionRecord{
		PositionID: item.IDPosition,
		VehicleID:  vehicleID,
		EventID:    item.IDEvent,
		EventTime:  parseProviderTime(item.EventDate),
		Ignition:   item.Ignition,
		ValidGPS:   item.ValidGPS,
		Latitude:   item.Latitude,
		Longitude:  item.Longitude,
		Raw:        append([]byte(nil), raw...),
	}
	if t := parseProviderTime(item.UpdateDate); !t.IsZero() {
		rec.UpdateTime = &t
	}
	if v, ok := item.ListTelemetry[telemetryCodeTankLevel]; ok {
		if d, err := decimal.NewFromString(v.String()); err == nil {
			rec.LevelPercent = decimal.NullDecimal{Decimal: d, Valid: true}
		}
	}
	if v, ok := item.ListTelemetry[telemetryCodeSpeedKmh]; ok {
		if f, err := v.Float64(); err == nil {
			rec.SpeedKmh = &f
		}
	}
	return rec
}

func parseProviderTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05Z07:00", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func isoZ(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
