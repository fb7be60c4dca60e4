package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/driverlink/driver"
	"github.com/guseggert/driverlink/driver/protocol"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a bridge Server.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client
	// OnceClient sends requests that must not be repeated, such as commands for the worker.
	OnceClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("bridge_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient returns a client for the server at addr, either host:port or a full http URL.
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	baseURL := strings.TrimSuffix(addr, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		Logger:       log.Named("bridge_client"),
		baseURL:      baseURL,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.HTTPClient = c.newRetryableClient(10).StandardClient()
	c.OnceClient = c.newRetryableClient(0).StandardClient()
	return c
}

func (c *Client) newRetryableClient(retryMax int) *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = retryMax
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	if retryMax == 0 {
		retryClient.RetryMax = 0
	}
	return retryClient
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	return c.doWith(ctx, c.HTTPClient, method, path, in, out)
}

// doOnce is do without retries.
func (c *Client) doOnce(ctx context.Context, method, path string, in, out interface{}) error {
	return c.doWith(ctx, c.OnceClient, method, path, in, out)
}

func (c *Client) doWith(ctx context.Context, httpClient *http.Client, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		var respBody string
		b, err := io.ReadAll(httpResp.Body)
		if err != nil {
			respBody = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			respBody = strings.TrimSpace(string(b))
		}
		return fmt.Errorf("non-200 HTTP status code %d received from %s: %s", httpResp.StatusCode, path, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &resp)
	return resp, err
}

func (c *Client) GoOnline(ctx context.Context) (OnlineResponse, error) {
	var resp OnlineResponse
	err := c.do(ctx, http.MethodPost, "/online", nil, &resp)
	return resp, err
}

// Execute runs a command and returns its reply and whether it arrived. A zero timeout uses
// the server's default.
func (c *Client) Execute(ctx context.Context, name string, msg protocol.Message, timeout time.Duration) (protocol.Message, bool, error) {
	var resp ExecuteResponse
	req := ExecuteRequest{Name: name, Message: NewPayload(msg), TimeoutMS: timeout.Milliseconds()}
	if err := c.doOnce(ctx, http.MethodPost, "/execute", req, &resp); err != nil {
		return nil, false, err
	}
	return resp.Message.Message(), resp.OK, nil
}

func (c *Client) Send(ctx context.Context, name string, msg protocol.Message) (uint32, error) {
	var resp SendResponse
	err := c.doOnce(ctx, http.MethodPost, "/send", SendRequest{Name: name, Message: NewPayload(msg)}, &resp)
	return resp.SeqNum, err
}

func (c *Client) Close(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/close", nil, nil)
}

// Events streams driver events until ctx is done or the connection ends, then closes the channel.
func (c *Client) Events(ctx context.Context) (<-chan driver.Event, error) {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/events"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}

	ch := make(chan driver.Event)
	go func() {
		defer close(ch)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var e WireEvent
			err := wsjson.Read(ctx, conn, &e)
			if websocket.CloseStatus(err) != -1 {
				return
			}
			if err != nil {
				c.Logger.Debugf("error reading event: %s", err)
				return
			}
			select {
			case ch <- e.event():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Status(ctx)
			if err == nil {
				c.Logger.Debug("status succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got status error: %s", err)
		}
	}
}
