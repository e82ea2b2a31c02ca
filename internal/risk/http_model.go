package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"risk-auth-service/internal/model"
)

// HTTPModel posts the feature set to an external inference endpoint that
// answers {"score": <float>}.
type HTTPModel struct {
	url    string
	client *http.Client
}

type predictRequest struct {
	Identity       string `json:"identity"`
	CountryCode    string `json:"country_code"`
	Hour           int    `json:"hour"`
	HourBucket     string `json:"hour_bucket"`
	DeviceKnown    bool   `json:"device_known"`
	DeviceTrusted  bool   `json:"device_trusted"`
	PrivateNetwork bool   `json:"private_network"`
	NetworkAddress string `json:"network_address"`
	UserAgent      string `json:"user_agent,omitempty"`
	Timestamp      string `json:"timestamp"`
}

type predictResponse struct {
	Score *float64 `json:"score"`
}

func NewHTTPModel(url string, timeout time.Duration) *HTTPModel {
	return &HTTPModel{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (m *HTTPModel) Predict(ctx context.Context, f *model.FeatureSet) (float64, error) {
	body, err := json.Marshal(predictRequest{
		Identity:       f.Identity,
		CountryCode:    f.CountryCode,
		Hour:           f.Hour,
		HourBucket:     string(f.HourBucket),
		DeviceKnown:    f.DeviceKnown,
		DeviceTrusted:  f.DeviceTrusted,
		PrivateNetwork: f.PrivateNetwork,
		NetworkAddress: f.NetworkAddress.String(),
		UserAgent:      f.UserAgent,
		Timestamp:      f.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: encode request: %v", ErrModelUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("%w: status %d", ErrModelUnavailable, resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", ErrModelUnavailable, err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("%w: response has no score", ErrModelUnavailable)
	}
	return *out.Score, nil
}
