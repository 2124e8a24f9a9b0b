package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/davidashman/homebridge-intellifire2/internal/discovery"
	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
)

// ErrNoAddress is returned when a device has no discovered LAN IP yet.
// Callers treat it as a retry-with-delay condition, never as fatal.
var ErrNoAddress = errors.New("local: no address for device")

const requestTimeout = 10 * time.Second

// Client is the LAN transport: unauthenticated state polls and
// challenge-response-signed command submission against a device's IP.
type Client struct {
	resolver *discovery.Service
	client   *http.Client
	userID   string
	logger   *slog.Logger
}

// NewClient creates a local transport resolving device IPs through the
// discovery service. userID identifies the account in signed commands.
func NewClient(resolver *discovery.Service, userID string, logger *slog.Logger) *Client {
	return &Client{
		resolver: resolver,
		client:   &http.Client{Timeout: requestTimeout},
		userID:   userID,
		logger:   logger.With("component", "local"),
	}
}

// SetHTTPClient replaces the HTTP client, for tests.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.client = hc
}

func (c *Client) endpoint(dev fireplace.Device, action string) (string, error) {
	ip, ok := c.resolver.IP(dev.Serial)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAddress, dev.Serial)
	}
	return fmt.Sprintf("http://%s/%s", ip, action), nil
}

// Poll fetches the current state snapshot from the device itself.
func (c *Client) Poll(ctx context.Context, dev fireplace.Device) (fireplace.State, error) {
	u, err := c.endpoint(dev, "poll")
	if err != nil {
		return fireplace.State{}, err
	}
	c.logger.Debug("local poll", "serial", dev.Serial, "url", u)

	body, err := c.get(ctx, u)
	if err != nil {
		return fireplace.State{}, err
	}
	return fireplace.ParseState(body)
}

// Status is Poll; the device has a single state endpoint.
func (c *Client) Status(ctx context.Context, dev fireplace.Device) (fireplace.State, error) {
	return c.Poll(ctx, dev)
}

// Post submits one setting to the device, proving authenticity with the
// per-device API key: fetch a challenge nonce, sign the command payload,
// and send command, value, user and response as a form body.
func (c *Client) Post(ctx context.Context, dev fireplace.Device, command, value string) error {
	if dev.APIKey == "" {
		return fmt.Errorf("device %s has no local api key", dev.Serial)
	}

	challengeURL, err := c.endpoint(dev, "get_challenge")
	if err != nil {
		return err
	}
	challenge, err := c.get(ctx, challengeURL)
	if err != nil {
		return fmt.Errorf("get challenge: %w", err)
	}

	response, err := SignCommand(dev.APIKey, strings.TrimSpace(string(challenge)), command, value)
	if err != nil {
		return fmt.Errorf("sign command: %w", err)
	}

	form := url.Values{}
	form.Set("command", command)
	form.Set("value", value)
	form.Set("user", c.userID)
	form.Set("response", response)

	postURL, err := c.endpoint(dev, "post")
	if err != nil {
		return err
	}
	c.logger.Info("sending local update", "serial", dev.Serial, "command", command, "value", value)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", postURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("get %s: status %d", u, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
