package paywatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"banhang/backend/internal/domain"
)

// HTTPSource reads payment status from the POS API.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPSource(baseURL string, token string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (s *HTTPSource) PaymentStatus(ctx context.Context, code int64) (domain.PaymentStatus, error) {
	url := fmt.Sprintf("%s/api/v1/orders/pos/payment-status/%d", s.baseURL, code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PaymentStatus{}, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return domain.PaymentStatus{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return domain.PaymentStatus{}, fmt.Errorf("payment status %d: http %d: %s", code, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var status domain.PaymentStatus
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		return domain.PaymentStatus{}, fmt.Errorf("decode payment status: %w", err)
	}
	return status, nil
}
