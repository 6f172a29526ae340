// Package custodian is the HTTP client for the escrow custodian, the
// external component that holds and moves the actual funds.
package custodian

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{}}
}

type transferRequest struct {
	ProjectID      string   `json:"project_id"`
	MilestoneID    string   `json:"milestone_id"`
	SubmilestoneID string   `json:"submilestone_id"`
	Contributor    string   `json:"contributor"`
	Amount         int64    `json:"amount"`
	Proof          []string `json:"proof"`
}

// PayContributor executes the value transfer and returns the custodian's
// transaction reference.
func (c *Client) PayContributor(ctx context.Context, projectID, milestoneID, submilestoneID, contributor string, amount int64, proof []string) (string, error) {
	b, _ := json.Marshal(transferRequest{
		ProjectID:      projectID,
		MilestoneID:    milestoneID,
		SubmilestoneID: submilestoneID,
		Contributor:    contributor,
		Amount:         amount,
		Proof:          proof,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/transfers", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("custodian returned %d", resp.StatusCode)
	}
	var out struct {
		TxRef string `json:"tx_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.TxRef == "" {
		return "", fmt.Errorf("custodian returned empty tx_ref")
	}
	return out.TxRef, nil
}

// IsContributorPaid is the custodian-side idempotency guard consulted before
// a new payout request is admitted.
func (c *Client) IsContributorPaid(ctx context.Context, projectID, milestoneID, submilestoneID, contributor string) (bool, error) {
	q := url.Values{}
	q.Set("project_id", projectID)
	q.Set("milestone_id", milestoneID)
	q.Set("submilestone_id", submilestoneID)
	q.Set("contributor", contributor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/paid?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("custodian returned %d", resp.StatusCode)
	}
	var out struct {
		Paid bool `json:"paid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Paid, nil
}
