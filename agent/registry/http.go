package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

// HTTPSearchService 通用 JSON-over-HTTP 适配器：
// POST {"domain": ..., "params": {...}}，响应 {"results": [...]}
type HTTPSearchService struct {
	name     ServiceName
	endpoint string
	client   *http.Client
}

// NewHTTPSearchService 创建 HTTP 适配器，client 为空时使用 http.DefaultClient
func NewHTTPSearchService(name ServiceName, endpoint string, client *http.Client) *HTTPSearchService {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSearchService{name: name, endpoint: endpoint, client: client}
}

type searchRequest struct {
	Domain state.Domain      `json:"domain"`
	Params map[string]string `json:"params"`
}

type searchResponse struct {
	Results []Record `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// Search 实现 SearchService
func (s *HTTPSearchService) Search(ctx context.Context, domain state.Domain, params map[string]string) ([]Record, error) {
	body, err := json.Marshal(searchRequest{Domain: domain, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewServiceUnavailable(string(s.name), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, types.NewServiceUnavailable(string(s.name), err)
	}

	var out searchResponse
	decodeErr := json.Unmarshal(payload, &out)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, types.NewServiceUnavailable(string(s.name), fmt.Errorf("status %d: %s", resp.StatusCode, out.Error))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("service %s rejected the search parameters", s.name)
		}
		return nil, types.NewValidationError(msg)
	case resp.StatusCode >= 300:
		return nil, types.NewServiceUnavailable(string(s.name), fmt.Errorf("status %d", resp.StatusCode)).WithRetryable(false)
	}

	if decodeErr != nil {
		return nil, types.NewServiceUnavailable(string(s.name), fmt.Errorf("decode response: %w", decodeErr)).WithRetryable(false)
	}
	return out.Results, nil
}
