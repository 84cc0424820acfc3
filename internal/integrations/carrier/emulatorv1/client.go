package emulatorv1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/ordertrack/internal/integrations/carrier"
	"github.com/BearBump/ordertrack/internal/models"
	"github.com/pkg/errors"
)

var ErrRateLimited = errors.New("carrier emulator rate limit (429)")

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type respEvent struct {
	Status    string    `json:"status"`
	StatusRaw string    `json:"status_raw"`
	EventTime time.Time `json:"event_time"`
	Location  string    `json:"location,omitempty"`
	Message   string    `json:"message,omitempty"`
}

type respBody struct {
	Carrier     string      `json:"carrier"`
	TrackNumber string      `json:"track_number"`
	Status      string      `json:"status"`
	StatusRaw   string      `json:"status_raw"`
	StatusAt    time.Time   `json:"status_at"`
	Events      []respEvent `json:"events"`
}

func (c *Client) GetTracking(ctx context.Context, carrierCode, trackNumber string) (carrier.TrackingResult, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = fmt.Sprintf("/v1/tracking/%s/%s", url.PathEscape(carrierCode), url.PathEscape(trackNumber))
	q := u.Query()
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return carrier.TrackingResult{}, ErrRateLimited
	}
	if resp.StatusCode == http.StatusNotFound {
		// трек ещё не зарегистрирован у перевозчика
		return carrier.TrackingResult{}, nil
	}
	if resp.StatusCode/100 != 2 {
		return carrier.TrackingResult{}, fmt.Errorf("carrier emulator http %d", resp.StatusCode)
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "decode")
	}

	res := carrier.TrackingResult{
		Status:    normalize(rb.Status),
		StatusRaw: rb.StatusRaw,
	}
	if !rb.StatusAt.IsZero() {
		at := rb.StatusAt.UTC()
		res.StatusAt = &at
	}
	for _, e := range rb.Events {
		res.Events = append(res.Events, carrier.Event{
			Status:    normalize(e.Status),
			StatusRaw: e.StatusRaw,
			Time:      e.EventTime.UTC(),
			Location:  e.Location,
			Message:   e.Message,
		})
	}
	if n := len(res.Events); n > 0 {
		res.Location = res.Events[n-1].Location
	}
	return res, nil
}

func normalize(s string) string {
	n := models.NormalizeStatus(s)
	if n == "unknown" {
		return ""
	}
	return n
}
