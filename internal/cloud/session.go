package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/davidashman/homebridge-intellifire2/internal/events"
)

// DefaultBaseURL is the vendor relay API root. Paths are built as
// <base>/<serial>/<action>; the empty serial yields the double slash the
// server expects for account-level actions.
const DefaultBaseURL = "https://iftapi.net/a"

const (
	pingInterval    = 300 * time.Second
	loginRetryDelay = 300 * time.Second
	requestTimeout  = 30 * time.Second

	// The relay holds applongpoll open until state changes or its own
	// timeout elapses; the client-side cap just prevents stuck waits.
	longPollTimeout = 75 * time.Second
)

// ErrAuth is returned when credentials are missing or rejected by the relay.
var ErrAuth = errors.New("cloud: missing or rejected credentials")

// Credentials configures the session. Either Username/Password or the three
// pre-obtained cookie values must be set.
type Credentials struct {
	Username string
	Password string

	// Pre-obtained session cookies, used instead of a credential login.
	User        string
	AuthCookie  string
	WebClientID string
}

func (c Credentials) valid() bool {
	if c.Username != "" && c.Password != "" {
		return true
	}
	return c.User != "" && c.AuthCookie != "" && c.WebClientID != ""
}

// Session holds the relay authentication cookies and drives the
// login/keep-alive state machine. Connected is the only observable mutation;
// transitions are published on the event bus.
type Session struct {
	baseURL    string
	creds      Credentials
	client     *http.Client
	pollClient *http.Client
	bus        *events.Bus
	logger     *slog.Logger

	// Overridable in tests.
	pingEvery  time.Duration
	retryAfter time.Duration

	mu        sync.Mutex
	connected bool
	everSet   bool
	lastPing  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a session against baseURL. It fails only on invalid
// configuration; no network traffic happens until Start.
func NewSession(baseURL string, creds Credentials, bus *events.Bus, logger *slog.Logger) (*Session, error) {
	if !creds.valid() {
		return nil, fmt.Errorf("%w: configure username/password or cookie values", ErrAuth)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &Session{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		client:     &http.Client{Jar: jar, Timeout: requestTimeout},
		pollClient: &http.Client{Jar: jar, Timeout: longPollTimeout},
		bus:        bus,
		logger:     logger.With("component", "cloud"),
		pingEvery:  pingInterval,
		retryAfter: loginRetryDelay,
	}, nil
}

// Start launches the login/keep-alive loop. The loop runs until Stop.
func (s *Session) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop cancels the keep-alive loop and waits for it to exit.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Connected reports whether the last probe against the relay succeeded.
// Safe for concurrent use; the TransportRouter reads this on every call.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastPing returns the time of the last successful keep-alive probe.
func (s *Session) LastPing() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPing
}

// UserID returns the user identifier the local transport signs commands with.
func (s *Session) UserID() string {
	return s.creds.User
}

// run is the session's only state machine: loggedOut transitions to
// connected or disconnected via login, connected to disconnected via a
// failed ping, and disconnected back via a retried login.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		if err := s.login(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("login failed", "err", err)
			s.setConnected(false)
		} else {
			for {
				if err := s.ping(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.Warn("keep-alive failed", "err", err)
					s.setConnected(false)
					break
				}
				s.setConnected(true)
				if !sleep(ctx, s.pingEvery) {
					return
				}
			}
		}
		if !sleep(ctx, s.retryAfter) {
			return
		}
	}
}

// login establishes session cookies, either by posting credentials to the
// login endpoint or by installing pre-obtained cookie values.
func (s *Session) login(ctx context.Context) error {
	if s.creds.Username != "" {
		s.logger.Info("logging in", "user", s.creds.Username)
		form := url.Values{}
		form.Set("username", s.creds.Username)
		form.Set("password", s.creds.Password)
		resp, err := s.Do(ctx, http.MethodPost, "", "login", strings.NewReader(form.Encode()), formHeader)
		if err != nil {
			return err
		}
		defer drain(resp)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: login status %d", ErrAuth, resp.StatusCode)
		}
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("login status %d", resp.StatusCode)
		}
		return nil
	}

	s.logger.Info("installing configured session cookies")
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	s.client.Jar.SetCookies(u, []*http.Cookie{
		{Name: "user", Value: s.creds.User, Path: "/"},
		{Name: "auth_cookie", Value: s.creds.AuthCookie, Path: "/"},
		{Name: "web_client_id", Value: s.creds.WebClientID, Path: "/"},
	})
	return nil
}

// ping issues the enumerate-locations probe that doubles as the session
// health check.
func (s *Session) ping(ctx context.Context) error {
	resp, err := s.Do(ctx, http.MethodGet, "", "enumlocations", nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	s.mu.Lock()
	s.lastPing = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Session) setConnected(v bool) {
	s.mu.Lock()
	changed := !s.everSet || s.connected != v
	s.connected = v
	s.everSet = true
	s.mu.Unlock()
	if !changed {
		return
	}
	s.logger.Info("connection status", "connected", v)
	if v {
		s.bus.Emit(events.Event{Type: events.EventCloudConnected})
	} else {
		s.bus.Emit(events.Event{Type: events.EventCloudDisconnected})
	}
}

var formHeader = http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}}

// Do performs an authenticated request against <base>/<serial>/<action>.
// The caller owns the response body.
func (s *Session) Do(ctx context.Context, method, serial, action string, body io.Reader, header http.Header) (*http.Response, error) {
	return s.do(ctx, s.client, method, serial, action, body, header)
}

// DoLongPoll is Do with the long-poll client, whose timeout outlasts the
// relay's server-side hold.
func (s *Session) DoLongPoll(ctx context.Context, serial, action string, header http.Header) (*http.Response, error) {
	return s.do(ctx, s.pollClient, http.MethodGet, serial, action, nil, header)
}

func (s *Session) do(ctx context.Context, client *http.Client, method, serial, action string, body io.Reader, header http.Header) (*http.Response, error) {
	u := fmt.Sprintf("%s/%s/%s", s.baseURL, serial, action)
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	s.logger.Debug("fetch", "method", method, "url", u)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// sleep waits for d or until ctx is cancelled. Returns false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
