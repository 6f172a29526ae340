// Package authorityclient adapts the delegate-authority service's operation
// validation endpoint onto the ledger's Authorizer seam.
package authorityclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"escrowlane/pkg/fault"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

type validateRequest struct {
	Signer    string `json:"signer"`
	Target    string `json:"target"`
	Operation string `json:"operation"`
	Amount    int64  `json:"amount"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Authorize asks the authority service whether signer holds an unrevoked,
// unexpired capability admitting the operation. Any non-affirmative answer
// fails closed.
func (c *Client) Authorize(ctx context.Context, signer, target, operation string, amount int64) error {
	body, err := json.Marshal(validateRequest{Signer: signer, Target: target, Operation: operation, Amount: amount})
	if err != nil {
		return fault.Executionf("encode validate request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/operations:validate", bytes.NewReader(body))
	if err != nil {
		return fault.Executionf("build validate request: %v", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fault.Executionf("authority validate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fault.Executionf("authority validate: status %d", resp.StatusCode)
	}
	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fault.Executionf("decode validate response: %v", err)
	}
	if !out.Valid {
		reason := out.Reason
		if reason == "" {
			reason = fmt.Sprintf("no capability admits %s on %s", operation, target)
		}
		return fault.Unauthorizedf("%s", reason)
	}
	return nil
}
