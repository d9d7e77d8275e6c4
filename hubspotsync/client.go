package hubspotsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client is a thin wrapper over the HubSpot REST API. Outbound calls are
// paced by an explicit delay and retried with exponential backoff on
// 429/5xx, bounded at maxAttempts; retries never run indefinitely.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter <-chan time.Time
}

const maxAttempts = 5

func NewClient() (*Client, error) {
	token := strings.TrimSpace(os.Getenv("HUBSPOT_ACCESS_TOKEN"))
	if token == "" {
		return nil, errors.New("hubspot access token is empty")
	}
	baseURL := strings.TrimSpace(os.Getenv("HUBSPOT_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.hubapi.com"
	}
	rateLimitPerSec := int64(8)
	if v := strings.TrimSpace(os.Getenv("HUBSPOT_RATE_LIMIT_PER_SEC")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerSec = n
		}
	}
	interval := time.Second / time.Duration(rateLimitPerSec)

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: time.Tick(interval),
	}, nil
}

func (c *Client) GetDeal(ctx context.Context, dealID string) (*Deal, error) {
	path := fmt.Sprintf("/crm/v3/objects/deals/%s?properties=dealname,amount,closedate,dealstage,pipeline,projektnummer,kvnummer,hubspot_owner_id,associatedcompanyid", dealID)
	var deal Deal
	if err := c.do(ctx, http.MethodGet, path, nil, &deal); err != nil {
		return nil, err
	}
	return &deal, nil
}

func (c *Client) GetCompany(ctx context.Context, companyID string) (*Company, error) {
	var company Company
	if err := c.do(ctx, http.MethodGet, "/crm/v3/objects/companies/"+companyID, nil, &company); err != nil {
		return nil, err
	}
	return &company, nil
}

func (c *Client) GetOwner(ctx context.Context, ownerID string) (*Owner, error) {
	var owner Owner
	if err := c.do(ctx, http.MethodGet, "/crm/v3/owners/"+ownerID, nil, &owner); err != nil {
		return nil, err
	}
	return &owner, nil
}

func (c *Client) UpdateDealProperties(ctx context.Context, dealID string, properties map[string]string) error {
	body := map[string]any{"properties": properties}
	return c.do(ctx, http.MethodPatch, "/crm/v3/objects/deals/"+dealID, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-c.limiter:
		case <-ctx.Done():
			return ctx.Err()
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if out == nil || len(respBody) == 0 {
					return nil
				}
				return json.Unmarshal(respBody, out)
			}
			lastErr = fmt.Errorf("hubspot api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
			if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
				return lastErr
			}
		}

		if attempt < maxAttempts {
			sleep := time.Second * time.Duration(1<<attempt)
			if sleep > 16*time.Second {
				sleep = 16 * time.Second
			}
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
