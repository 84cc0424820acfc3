package track24http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ordertrack/internal/integrations/carrier"
	"github.com/BearBump/ordertrack/internal/models"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL string
	apiKey  string
	domain  string
	httpc   *http.Client
	now     func() time.Time
}

func New(baseURL, apiKey, domain string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		domain:  domain,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

type track24Resp struct {
	Status string `json:"status"`
	Data   struct {
		Events []struct {
			OperationDateTime        string `json:"operationDateTime"`
			OperationAttribute       string `json:"operationAttribute"`
			OperationType            string `json:"operationType"`
			OperationPlaceName       string `json:"operationPlaceName"`
			OperationPlacePostalCode string `json:"operationPlacePostalCode"`
			Source                   string `json:"source"`
		} `json:"events"`
	} `json:"data"`
}

func (c *Client) GetTracking(ctx context.Context, carrierCode, trackNumber string) (carrier.TrackingResult, error) {
	_ = carrierCode // в Track24 запросе carrier обычно автоопределяется

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/tracking.json.php"

	q := u.Query()
	q.Set("apiKey", c.apiKey)
	q.Set("domain", c.domain)
	q.Set("code", trackNumber)
	q.Set("pretty", "true")
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

	if resp.StatusCode/100 != 2 {
		return carrier.TrackingResult{}, fmt.Errorf("track24 http %d", resp.StatusCode)
	}

	var r track24Resp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "decode")
	}
	if r.Status != "ok" {
		return carrier.TrackingResult{}, fmt.Errorf("track24 status=%s", r.Status)
	}

	now := c.now()
	var res carrier.TrackingResult
	for _, e := range r.Data.Events {
		evTime := now
		// Track24 пример: "02.07.2014 19:16:00"
		if e.OperationDateTime != "" {
			if t, err := time.ParseInLocation("02.01.2006 15:04:05", e.OperationDateTime, time.UTC); err == nil {
				evTime = t.UTC()
			}
		}
		res.Events = append(res.Events, carrier.Event{
			Status:    statusFromHint(e.OperationAttribute),
			StatusRaw: e.OperationAttribute,
			Time:      evTime,
			Location:  e.OperationPlaceName,
			Message:   e.OperationAttribute,
		})
	}

	if n := len(res.Events); n > 0 {
		last := res.Events[n-1]
		res.Status = last.Status
		res.StatusRaw = last.StatusRaw
		res.Location = last.Location
		at := last.Time
		res.StatusAt = &at
	}
	return res, nil
}

// statusFromHint угадывает статус по тексту операции, по умолчанию in_transit.
func statusFromHint(s string) string {
	low := strings.ToLower(s)
	switch {
	case containsAny(low, "вруч", "delivered"):
		return models.StatusDelivered
	case containsAny(low, "курьер", "out for delivery"):
		return models.StatusOutForDelivery
	case containsAny(low, "возврат", "cancel"):
		return models.StatusCancelled
	case containsAny(low, "принят", "accepted"):
		return models.StatusShipped
	default:
		return models.StatusInTransit
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
