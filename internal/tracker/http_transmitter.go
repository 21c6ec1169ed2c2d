package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPTransmitter sends fixes to PATCH /workers/{id}/location.
type HTTPTransmitter struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPTransmitter(baseURL, token string) *HTTPTransmitter {
	return &HTTPTransmitter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type locationBody struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp string  `json:"timestamp"`
}

func (h *HTTPTransmitter) Send(ctx context.Context, workerID string, fix Fix) error {
	b, err := json.Marshal(locationBody{
		Lat:       fix.Lat,
		Lng:       fix.Lng,
		Accuracy:  fix.Accuracy,
		Timestamp: fix.CapturedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	endpoint := h.BaseURL + "/workers/" + url.PathEscape(workerID) + "/location"
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if permanent(resp.StatusCode) {
			return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, strings.TrimSpace(string(msg)))
		}
		return fmt.Errorf("location update failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// permanent reports whether retrying the same body cannot succeed.
func permanent(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
