package verification

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
)

// HTTPChecker asks an external verification service about an address:
// GET {base}/v1/verifications/{address} -> {"verified": bool}. A 404 means the
// address never completed a check.
type HTTPChecker struct {
	client  *resty.Client
	baseURL string
}

func NewHTTPChecker(baseURL string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChecker{
		client:  resty.New().SetTimeout(timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type verificationResponse struct {
	Verified bool `json:"verified"`
}

func (h *HTTPChecker) IsVerified(ctx context.Context, addr common.Address) (bool, error) {
	var out verificationResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&out).
		Get(h.baseURL + "/v1/verifications/" + addr.Hex())
	if err != nil {
		return false, fmt.Errorf("verification service: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if resp.IsError() {
		return false, fmt.Errorf("verification service: unexpected status %d", resp.StatusCode())
	}
	return out.Verified, nil
}
