package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
)

// Client is the cloud transport: status snapshots, long-poll state fetch
// with cache-validator reuse, command submission, and device enumeration.
type Client struct {
	session *Session
	logger  *slog.Logger
}

// NewClient creates a cloud transport on an established session.
func NewClient(session *Session, logger *slog.Logger) *Client {
	return &Client{session: session, logger: logger.With("component", "cloud")}
}

// Status fetches the current state snapshot for a device.
func (c *Client) Status(ctx context.Context, dev fireplace.Device) (fireplace.State, error) {
	resp, err := c.session.Do(ctx, http.MethodGet, dev.Serial, "apppoll", nil, nil)
	if err != nil {
		return fireplace.State{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		drain(resp)
		return fireplace.State{}, fmt.Errorf("apppoll status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fireplace.State{}, fmt.Errorf("read apppoll body: %w", err)
	}
	return fireplace.ParseState(body)
}

// Poll issues a long-poll for the device, presenting the previous ETag when
// one exists. On success it returns the decoded state and the ETag to echo
// on the next call. ErrNotModified means the relay timed out with no change.
func (c *Client) Poll(ctx context.Context, dev fireplace.Device, etag string) (fireplace.State, string, error) {
	var header http.Header
	if etag != "" {
		header = http.Header{"If-None-Match": []string{etag}}
	}
	c.logger.Debug("long poll", "serial", dev.Serial, "etag", etag)

	resp, err := c.session.DoLongPoll(ctx, dev.Serial, "applongpoll", header)
	if err != nil {
		return fireplace.State{}, etag, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		drain(resp)
		return fireplace.State{}, etag, fireplace.ErrNoChange
	case resp.StatusCode/100 != 2:
		drain(resp)
		return fireplace.State{}, etag, fmt.Errorf("applongpoll status %d", resp.StatusCode)
	}

	next := resp.Header.Get("Etag")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fireplace.State{}, etag, fmt.Errorf("read applongpoll body: %w", err)
	}
	state, err := fireplace.ParseState(body)
	if err != nil {
		return fireplace.State{}, etag, err
	}
	return state, next, nil
}

// Post submits one setting as a form-encoded command. Failures are returned
// to the caller for logging; the cloud transport never retries on its own.
func (c *Client) Post(ctx context.Context, dev fireplace.Device, command, value string) error {
	form := url.Values{}
	form.Set(command, value)
	c.logger.Info("sending update", "serial", dev.Serial, "command", command, "value", value)

	resp, err := c.session.Do(ctx, http.MethodPost, dev.Serial, "apppost", strings.NewReader(form.Encode()), formHeader)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("apppost status %d", resp.StatusCode)
	}
	return nil
}

type locationsPayload struct {
	Locations []struct {
		LocationID string             `json:"location_id"`
		Fireplaces []fireplace.Device `json:"fireplaces"`
	} `json:"locations"`
}

type fireplacesPayload struct {
	LocationID string             `json:"location_id"`
	Fireplaces []fireplace.Device `json:"fireplaces"`
}

// EnumDevices walks the account's locations and returns every fireplace the
// relay knows about.
func (c *Client) EnumDevices(ctx context.Context) ([]fireplace.Device, error) {
	resp, err := c.session.Do(ctx, http.MethodGet, "", "enumlocations", nil, nil)
	if err != nil {
		return nil, err
	}
	var locs locationsPayload
	if err := decodeJSON(resp, &locs); err != nil {
		return nil, fmt.Errorf("enumlocations: %w", err)
	}

	var devices []fireplace.Device
	for _, loc := range locs.Locations {
		resp, err := c.session.Do(ctx, http.MethodGet, "", "enumfireplaces?location_id="+url.QueryEscape(loc.LocationID), nil, nil)
		if err != nil {
			return nil, err
		}
		var fps fireplacesPayload
		if err := decodeJSON(resp, &fps); err != nil {
			return nil, fmt.Errorf("enumfireplaces %s: %w", loc.LocationID, err)
		}
		devices = append(devices, fps.Fireplaces...)
	}
	c.logger.Info("enumerated fireplaces", "count", len(devices))
	return devices, nil
}

func decodeJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
