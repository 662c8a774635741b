package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"listing-chat/internal/models"

	"github.com/goccy/go-json"
)

const (
	DefaultExpoEndpoint = "https://exp.host/--/api/v2/push/send"

	maxErrorBody = 4 << 10
)

// ExpoGateway submits push batches to the Expo push service.
type ExpoGateway struct {
	endpoint    string
	accessToken string
	client      *http.Client
}

func NewExpoGateway(endpoint, accessToken string, timeout time.Duration) *ExpoGateway {
	if endpoint == "" {
		endpoint = DefaultExpoEndpoint
	}
	return &ExpoGateway{
		endpoint:    endpoint,
		accessToken: accessToken,
		client:      &http.Client{Timeout: timeout},
	}
}

// Send posts the whole batch in one request. Per-message failures are
// reported in the tickets; only transport failures, non-2xx answers and
// top-level errors fail the call.
func (g *ExpoGateway) Send(ctx context.Context, messages []models.PushMessage) (*models.DispatchResult, error) {
	body, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("%w: encode batch: %v", ErrGatewayFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrGatewayFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.accessToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrGatewayFailure, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var result models.DispatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGatewayFailure, err)
	}
	if len(result.Errors) > 0 {
		return &result, fmt.Errorf("%w: %s: %s", ErrGatewayFailure, result.Errors[0].Code, result.Errors[0].Message)
	}

	return &result, nil
}
