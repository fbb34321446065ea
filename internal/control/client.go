package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nodie/internal/model"
)

// ErrUnreachable means no daemon answered on the control address.
var ErrUnreachable = errors.New("node daemon is not reachable")

// Client talks to a running daemon's control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for a host:port or URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, http: &http.Client{Timeout: 10 * time.Second}}
}

// Status fetches the daemon's status snapshot.
func (c *Client) Status(ctx context.Context) (model.StatusSnapshot, error) {
	var out model.StatusSnapshot
	err := c.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

// Stop asks the daemon to stop and returns its final snapshot.
func (c *Client) Stop(ctx context.Context) (model.StatusSnapshot, error) {
	var out model.StatusSnapshot
	err := c.do(ctx, http.MethodPost, "/stop", &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			return fmt.Errorf("control %s: %s", path, payload.Error)
		}
		return fmt.Errorf("control %s: %s: %s", path, res.Status, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(res.Body).Decode(out)
}
