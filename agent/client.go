package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/guseggert/procmux/agent/process"
	"github.com/guseggert/procmux/protocol"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client connects to an agent. Each Dial opens a new conn, and every process started on a conn is
// killed when that conn is closed.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	addr                     string
	wsBaseURL                string
	token                    string
	dialer                   *net.Dialer
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithClientToken authenticates every conn with token.
// Only use it against agents that require a token, others reject the token document as malformed.
func WithClientToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithClientWebSocketAddr sets the address of the agent's HTTP server, which is needed for
// DialWebSocket, Healthz, and WaitForServer.
func WithClientWebSocketAddr(addr string) ClientOption {
	return func(c *Client) {
		c.wsBaseURL = "http://" + addr
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient constructs a client for the agent serving TCP on addr.
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("agent_client"),
		addr:         addr,
		dialer:       &net.Dialer{Timeout: 5 * time.Second},
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: c.dialer.DialContext,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// Dial opens a TCP conn to the agent.
func (c *Client) Dial(ctx context.Context) (*process.Client, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dialing agent: %w", err)
	}
	c.Logger.Debugw("connected", "Addr", c.addr)
	return c.newProcClient(conn)
}

// DialWebSocket opens a WebSocket conn to the agent.
func (c *Client) DialWebSocket(ctx context.Context) (*process.Client, error) {
	if c.wsBaseURL == "" {
		return nil, fmt.Errorf("no WebSocket address configured")
	}
	u := c.wsBaseURL + "/spawn"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(protocol.MaxChunkBytes)
	// the conn must outlive ctx, which only bounds the handshake
	conn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	return c.newProcClient(conn)
}

func (c *Client) newProcClient(conn net.Conn) (*process.Client, error) {
	pc := process.NewClient(conn, c.Logger.Named("proc_client"))
	if c.token != "" {
		err := pc.Authenticate(c.token)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("authenticating: %w", err)
		}
	}
	return pc, nil
}

// Healthz fetches the agent's health over HTTP.
func (c *Client) Healthz(ctx context.Context) (*HealthzResponse, error) {
	if c.wsBaseURL == "" {
		return nil, fmt.Errorf("no HTTP address configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.wsBaseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected healthz status code %d: %s", resp.StatusCode, string(b))
	}
	var health HealthzResponse
	err = json.NewDecoder(resp.Body).Decode(&health)
	if err != nil {
		return nil, fmt.Errorf("decoding healthz response: %w", err)
	}
	return &health, nil
}

// WaitForServer blocks until the agent is serving. Without an HTTP address it waits for a TCP
// conn to succeed instead.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.ping(ctx)
			if err == nil {
				c.Logger.Debug("agent is up, done waiting for server")
				return nil
			}
			c.Logger.Debugf("agent not up yet: %s", err)
		}
	}
}

func (c *Client) ping(ctx context.Context) error {
	if c.wsBaseURL != "" {
		_, err := c.Healthz(ctx)
		return err
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
