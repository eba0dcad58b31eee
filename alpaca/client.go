// Documentation: https://ascom-standards.org/api/

package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ClientID identifies the caller to the bridge. Zero is anonymous.
type ClientID uint32

// response is the envelope every Alpaca call answers with.
type response struct {
	ClientTransactionID uint32          `json:"ClientTransactionID"`
	ServerTransactionID uint32          `json:"ServerTransactionID"`
	ErrorNumber         ErrorCode       `json:"ErrorNumber"`
	ErrorMessage        string          `json:"ErrorMessage"`
	Value               json.RawMessage `json:"Value,omitempty"`
}

// Client issues Alpaca device and management calls against one bridge.
// It is safe for concurrent use; every call takes the next transaction id.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger log.FieldLogger

	mu       sync.Mutex
	clientID ClientID
	lastTx   uint32
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithClientID sets the initial client identity.
func WithClientID(id ClientID) Option {
	return func(c *Client) {
		c.clientID = id
	}
}

// NewClient creates a client for the bridge at rawURL (e.g. http://localhost:11111).
func NewClient(rawURL string, logger log.FieldLogger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid bridge url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid bridge url %q: unsupported scheme", rawURL)
	}

	c := &Client{
		base:   u,
		http:   &http.Client{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the bridge address.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// ClientID returns the identity currently bound to the client.
func (c *Client) ClientID() ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetClientID rebinds the client identity. Changing the identity restarts
// the transaction counter at 1 so bridge logs attribute calls correctly.
func (c *Client) SetClientID(id ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == c.clientID {
		return
	}
	c.logger.Debugf("Client identity changed from %d to %d", c.clientID, id)
	c.clientID = id
	c.lastTx = 0
}

func (c *Client) nextTransaction() (ClientID, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTx++
	return c.clientID, c.lastTx
}

func (c *Client) deviceURL(dt DeviceType, number int, action string) string {
	return fmt.Sprintf("%s/api/v1/%s/%d/%s", c.base, dt, number, strings.ToLower(action))
}

// Get reads a device property and returns the raw Value field.
func (c *Client) Get(ctx context.Context, dt DeviceType, number int, action string) (json.RawMessage, error) {
	op := fmt.Sprintf("GET %s/%d/%s", dt, number, action)
	return c.get(ctx, c.deviceURL(dt, number, action), op)
}

func (c *Client) get(ctx context.Context, endpoint, op string) (json.RawMessage, error) {
	id, tx := c.nextTransaction()

	q := url.Values{}
	q.Set("clientid", strconv.FormatUint(uint64(id), 10))
	q.Set("clienttransactionid", strconv.FormatUint(uint64(tx), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &UnavailableError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debugf("%s (client %d, tx %d)", op, id, tx)
	return c.do(req, op)
}

// Put invokes a device action or sets a property. params may be nil.
func (c *Client) Put(ctx context.Context, dt DeviceType, number int, action string, params url.Values) error {
	op := fmt.Sprintf("PUT %s/%d/%s", dt, number, action)
	id, tx := c.nextTransaction()

	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("ClientID", strconv.FormatUint(uint64(id), 10))
	form.Set("ClientTransactionID", strconv.FormatUint(uint64(tx), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.deviceURL(dt, number, action), strings.NewReader(form.Encode()))
	if err != nil {
		return &UnavailableError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	c.logger.Debugf("%s %s (client %d, tx %d)", op, params.Encode(), id, tx)
	_, err = c.do(req, op)
	return err
}

func (c *Client) do(req *http.Request, op string) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UnavailableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnavailableError{Op: op, Err: err}
	}

	// Bridges answer malformed requests with a plain text 400.
	if resp.StatusCode == http.StatusBadRequest {
		return nil, &ProtocolError{Op: op, Code: ErrorInvalidValue, Message: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UnavailableError{Op: op, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &UnavailableError{Op: op, Err: fmt.Errorf("invalid response: %w", err)}
	}

	if r.ErrorNumber != 0 {
		c.logger.Debugf("%s failed: %d %s", op, r.ErrorNumber, r.ErrorMessage)
		return nil, &ProtocolError{Op: op, Code: r.ErrorNumber, Message: r.ErrorMessage}
	}
	return r.Value, nil
}

// GetValue reads a property and decodes it into T.
func GetValue[T any](ctx context.Context, c *Client, dt DeviceType, number int, action string) (T, error) {
	raw, err := c.Get(ctx, dt, number, action)
	if err != nil {
		var zero T
		return zero, err
	}
	return DecodeValue[T](raw, fmt.Sprintf("GET %s/%d/%s", dt, number, action))
}

// DecodeValue decodes the Value field of a response. A missing value is
// reported as ErrorValueNotSet.
func DecodeValue[T any](raw json.RawMessage, op string) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, &ProtocolError{Op: op, Code: ErrorValueNotSet}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &UnavailableError{Op: op, Err: fmt.Errorf("invalid value %s: %w", raw, err)}
	}
	return v, nil
}

func (c *Client) GetBool(ctx context.Context, dt DeviceType, number int, action string) (bool, error) {
	return GetValue[bool](ctx, c, dt, number, action)
}

func (c *Client) GetFloat(ctx context.Context, dt DeviceType, number int, action string) (float64, error) {
	return GetValue[float64](ctx, c, dt, number, action)
}

func (c *Client) GetInt(ctx context.Context, dt DeviceType, number int, action string) (int, error) {
	return GetValue[int](ctx, c, dt, number, action)
}

func (c *Client) GetString(ctx context.Context, dt DeviceType, number int, action string) (string, error) {
	return GetValue[string](ctx, c, dt, number, action)
}

func (c *Client) GetStrings(ctx context.Context, dt DeviceType, number int, action string) ([]string, error) {
	return GetValue[[]string](ctx, c, dt, number, action)
}

func (c *Client) GetInts(ctx context.Context, dt DeviceType, number int, action string) ([]int, error) {
	return GetValue[[]int](ctx, c, dt, number, action)
}
