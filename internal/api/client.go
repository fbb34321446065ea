package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"nodie/internal/model"
	"nodie/internal/nodeerr"
)

const DefaultTimeout = 10 * time.Second

// Client is a thin HTTP client for the coordination API. It owns the
// login/heartbeat/report contract and classifies every failure into a
// nodeerr.Kind.
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
	deviceID  string
	name      string
	address   func() string
	log       *zap.Logger
	now       func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent version string.
func WithUserAgent(version string) Option {
	return func(c *Client) {
		c.userAgent = fmt.Sprintf("nodie-cli/%s (%s)", version, runtime.GOOS)
	}
}

// WithDevice sets the identity presented at node registration.
func WithDevice(deviceID, name string) Option {
	return func(c *Client) {
		c.deviceID = deviceID
		c.name = name
	}
}

// WithAddressSource supplies the locally discovered public address that
// is reported at registration and on heartbeats.
func WithAddressSource(fn func() string) Option {
	return func(c *Client) { c.address = fn }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a client for the given base URL (e.g. https://host/api).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: DefaultTimeout},
		userAgent: fmt.Sprintf("nodie-cli/dev (%s)", runtime.GOOS),
		address:   func() string { return "" },
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate exchanges email and password for an account token.
func (c *Client) Authenticate(ctx context.Context, email, password string) (LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, "login", http.MethodPost, "/auth/login", "", LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return resp, err
	}
	if resp.Token == "" {
		return resp, nodeerr.New(nodeerr.KindAuthFatal, "login", errors.New("server returned no token"))
	}
	return resp, nil
}

// Me returns the account the token belongs to.
func (c *Client) Me(ctx context.Context, token string) (User, error) {
	var user User
	err := c.do(ctx, "login", http.MethodGet, "/auth/me", token, nil, &user)
	return user, err
}

// Login opens a session: the credentials are exchanged for a token when a
// password is present, then the node is registered under the account.
func (c *Client) Login(ctx context.Context, creds Credentials) (*Session, error) {
	token := creds.Token
	if creds.Password != "" {
		resp, err := c.Authenticate(ctx, creds.Email, creds.Password)
		if err != nil {
			return nil, err
		}
		token = resp.Token
	}
	if token == "" {
		return nil, nodeerr.New(nodeerr.KindAuthFatal, "login", errors.New("no credentials: run 'nodie login' first"))
	}

	ip := c.address()
	var reg RegisterResponse
	err := c.do(ctx, "login", http.MethodPost, "/node/register", token, RegisterRequest{
		DeviceID: c.deviceID,
		IP:       ip,
		Name:     c.name,
	}, &reg)
	if err != nil {
		return nil, err
	}
	if reg.ID == "" {
		return nil, nodeerr.New(nodeerr.KindTransient, "login", errors.New("server returned no node id"))
	}
	if reg.Token != "" {
		token = reg.Token
	}
	if reg.IP != "" {
		ip = reg.IP
	}

	sess := &Session{
		Token:    token,
		NodeID:   reg.ID,
		DeviceID: c.deviceID,
		IP: model.IPMetadata{
			Address:     ip,
			Class:       model.ParseIPClass(reg.IPType),
			Country:     reg.Country,
			CountryCode: reg.CountryCode,
		},
		NetworkScore: reg.NetworkScore,
		ConnectedAt:  c.now().UTC(),
	}
	c.log.Info("session opened",
		zap.String("node_id", sess.NodeID),
		zap.String("ip_class", string(sess.IP.Class)),
		zap.String("country", sess.IP.CountryCode))
	return sess, nil
}

// Heartbeat tells the remote side the node is alive. A refreshed token or
// updated IP metadata is applied to sess in place.
func (c *Client) Heartbeat(ctx context.Context, sess *Session, req HeartbeatRequest) (SessionRefresh, error) {
	if sess == nil || sess.Token == "" {
		return SessionRefresh{}, nodeerr.New(nodeerr.KindSessionExpired, "heartbeat", errors.New("no session"))
	}
	req.NodeID = sess.NodeID
	if req.IP == "" {
		req.IP = c.address()
	}

	var resp HeartbeatResponse
	if err := c.do(ctx, "heartbeat", http.MethodPost, "/node/heartbeat", sess.Token, req, &resp); err != nil {
		return SessionRefresh{}, err
	}

	refresh := SessionRefresh{
		NetworkScore:      resp.NetworkScore,
		ConnectionQuality: resp.ConnectionQuality,
	}
	if resp.Token != "" && resp.Token != sess.Token {
		sess.Token = resp.Token
		refresh.TokenRotated = true
	}
	if resp.IPType != "" {
		sess.IP.Class = model.ParseIPClass(resp.IPType)
	}
	if req.IP != "" {
		sess.IP.Address = req.IP
	}
	if resp.NetworkScore != 0 {
		sess.NetworkScore = resp.NetworkScore
	}
	refresh.IP = sess.IP
	return refresh, nil
}

// UploadLedgerDelta sends events the server has not acknowledged yet. The
// server deduplicates by event ID, so retrying after a lost response is safe.
func (c *Client) UploadLedgerDelta(ctx context.Context, sess *Session, events []model.AccrualEvent) (Ack, error) {
	if len(events) == 0 {
		return Ack{}, nil
	}
	if sess == nil || sess.Token == "" {
		return Ack{}, nodeerr.New(nodeerr.KindSessionExpired, "report", errors.New("no session"))
	}
	var ack Ack
	err := c.do(ctx, "report", http.MethodPost, "/node/report", sess.Token, ReportRequest{
		NodeID: sess.NodeID,
		Events: toReportEvents(events),
	}, &ack)
	return ack, err
}

// Logout tells the server the node is going offline. Best effort: the
// caller decides whether the error matters.
func (c *Client) Logout(ctx context.Context, sess *Session) error {
	if sess == nil || sess.NodeID == "" {
		return nil
	}
	path := "/node/stop?nodeId=" + url.QueryEscape(sess.NodeID)
	return c.do(ctx, "logout", http.MethodPost, path, sess.Token, nil, nil)
}

// UserStats fetches account-wide statistics.
func (c *Client) UserStats(ctx context.Context, token string) (UserStats, error) {
	var resp UserStats
	err := c.do(ctx, "stats", http.MethodGet, "/user/stats", token, nil, &resp)
	return resp, err
}

// Nodes lists the account's nodes.
func (c *Client) Nodes(ctx context.Context, token string) (NodesResponse, error) {
	var resp NodesResponse
	err := c.do(ctx, "stats", http.MethodGet, "/user/nodes", token, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, op, method, path, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nodeerr.New(nodeerr.KindTransient, op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		return &nodeerr.Error{
			Kind:   classifyStatus(op, res.StatusCode),
			Op:     op,
			Status: res.StatusCode,
			Err:    errors.New(errorMessage(res.Status, data)),
		}
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(res.Body)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return nodeerr.New(nodeerr.KindTransient, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classifyStatus maps a non-2xx response onto the error taxonomy. Only a
// rejected credential is fatal.
func classifyStatus(op string, status int) nodeerr.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return nodeerr.KindTransient
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if op == "login" {
			return nodeerr.KindAuthFatal
		}
		return nodeerr.KindSessionExpired
	case status >= 500:
		if op == "report" {
			return nodeerr.KindUpload
		}
		return nodeerr.KindTransient
	case op == "report":
		return nodeerr.KindUpload
	default:
		return nodeerr.KindTransient
	}
}

func errorMessage(status string, body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg != "" {
		return fmt.Sprintf("request failed: %s: %s", status, msg)
	}
	return fmt.Sprintf("request failed: %s", status)
}
