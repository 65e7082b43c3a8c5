package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/livestorejs/syncd/internal/sync"
)

// Client talks to the HTTP adapter. Used by the CLI.
type Client struct {
	BaseURL     string
	AdminSecret string
	HTTP        *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.AdminSecret)
	}
	return c.httpClient().Do(req)
}

func decodeError(resp *http.Response) error {
	var wire sync.WireError
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return wire.Err()
}

// Push submits a batch and waits for the ack.
func (c *Client) Push(ctx context.Context, storeID string, batch []sync.Event) error {
	resp, err := c.postJSON(ctx, "/v1/push", pushRequest{StoreID: storeID, Batch: batch})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return decodeError(resp)
	}
	return nil
}

// Pull drains the page stream after cursor and returns all events.
func (c *Client) Pull(ctx context.Context, storeID string, req sync.PullRequest) ([]sync.Event, error) {
	resp, err := c.postJSON(ctx, "/v1/pull", pullRequestBody{
		StoreID: storeID,
		Cursor:  req.Cursor,
		Filter:  req.Filter,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var events []sync.Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 2<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var page sync.PullPage
		if err := json.Unmarshal(line, &page); err != nil {
			return nil, fmt.Errorf("decode page: %w", err)
		}
		events = append(events, page.Batch...)
		if page.PageInfo.NoMore {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Ping checks the adapter answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}

// AdminReset wipes a store.
func (c *Client) AdminReset(ctx context.Context, storeID string) error {
	resp, err := c.postJSON(ctx, "/v1/admin/reset", adminResetRequest{StoreID: storeID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return decodeError(resp)
	}
	return nil
}

// AdminInfo fetches backend identity and log statistics for a store.
func (c *Client) AdminInfo(ctx context.Context, storeID string) (sync.StoreInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/admin/info?storeId="+storeID, nil)
	if err != nil {
		return sync.StoreInfo{}, err
	}
	if c.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.AdminSecret)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return sync.StoreInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sync.StoreInfo{}, decodeError(resp)
	}
	var info sync.StoreInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return sync.StoreInfo{}, err
	}
	return info, nil
}
