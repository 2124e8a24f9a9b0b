package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/davidashman/homebridge-intellifire2/internal/events"
	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
)

// Devices listen for the search datagram on searchPort and self-announce to
// announcePort. Both are fixed by the appliance firmware.
const (
	searchPacket  = "IFT-search"
	searchPort    = 3785
	announcePort  = 55555
	verifyTimeout = 5 * time.Second

	// Devices rarely move networks, but periodic re-search lets a fresh
	// verified announcement overwrite a stale mapping eventually.
	searchInterval = 5 * time.Minute
)

// Entry is one verified serial-to-IP binding.
type Entry struct {
	Serial   string    `json:"serial"`
	IP       string    `json:"ip"`
	LastSeen time.Time `json:"last_seen"`
}

// announcement is the JSON payload a device broadcasts about itself.
type announcement struct {
	IP   string `json:"ip"`
	UUID string `json:"uuid"`
}

// Service learns the LAN IP of each fireplace from UDP self-announcements.
// An announced IP is only recorded after a verification poll against the
// device succeeds, so spoofed or stale packets cannot poison the table.
type Service struct {
	bus    *events.Bus
	logger *slog.Logger
	client *http.Client

	listenAddr    string
	broadcastAddr string
	refresh       time.Duration

	mu    sync.RWMutex
	table map[string]Entry

	conn   net.PacketConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the discovery service.
type Option func(*Service)

// WithAddrs overrides the listen and broadcast addresses.
func WithAddrs(listen, broadcast string) Option {
	return func(s *Service) {
		s.listenAddr = listen
		s.broadcastAddr = broadcast
	}
}

// WithVerifyClient overrides the HTTP client used for announcement
// verification.
func WithVerifyClient(c *http.Client) Option {
	return func(s *Service) {
		s.client = c
	}
}

// WithRefresh overrides the re-search interval.
func WithRefresh(d time.Duration) Option {
	return func(s *Service) {
		s.refresh = d
	}
}

// NewService creates a discovery service.
func NewService(bus *events.Bus, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		bus:           bus,
		logger:        logger.With("component", "discovery"),
		client:        &http.Client{Timeout: verifyTimeout},
		listenAddr:    fmt.Sprintf(":%d", announcePort),
		broadcastAddr: fmt.Sprintf("255.255.255.255:%d", searchPort),
		refresh:       searchInterval,
		table:         make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the announcement socket, sends the first search datagram, and
// launches the receive and re-search loops.
func (s *Service) Start() error {
	conn, err := net.ListenPacket("udp4", s.listenAddr)
	if err != nil {
		return fmt.Errorf("bind discovery socket: %w", err)
	}
	s.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.readLoop()
	go s.searchLoop(ctx)

	s.logger.Info("discovery started", "listen", s.listenAddr)
	return nil
}

// Stop closes the socket and waits for the loops to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("discovery stopped")
}

// IP returns the verified LAN IP for a serial. Absence means "not yet
// discovered" and is a non-fatal local-unavailability condition.
func (s *Service) IP(serial string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.table[serial]
	return e.IP, ok
}

// Add records a serial-to-IP binding directly, bypassing verification.
// Used for devices configured with a fixed address.
func (s *Service) Add(serial, ip string) {
	s.mu.Lock()
	s.table[serial] = Entry{Serial: serial, IP: ip, LastSeen: time.Now()}
	s.mu.Unlock()
}

// Entries returns a snapshot of the IP table.
func (s *Service) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]Entry, 0, len(s.table))
	for _, e := range s.table {
		entries = append(entries, e)
	}
	return entries
}

func (s *Service) searchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.search()
		t := time.NewTimer(s.refresh)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Service) search() {
	addr, err := net.ResolveUDPAddr("udp4", s.broadcastAddr)
	if err != nil {
		s.logger.Error("resolve broadcast address", "err", err)
		return
	}
	s.logger.Debug("sending search datagram", "to", s.broadcastAddr)
	if _, err := s.conn.WriteTo([]byte(searchPacket), addr); err != nil {
		s.logger.Warn("send search datagram", "err", err)
	}
}

func (s *Service) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 1024)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			// Closed on Stop.
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.handleAnnouncement(pkt, from)
	}
}

func (s *Service) handleAnnouncement(pkt []byte, from net.Addr) {
	s.logger.Debug("announcement received", "from", from.String(), "payload", string(pkt))

	var ann announcement
	if err := json.Unmarshal(pkt, &ann); err != nil {
		s.logger.Debug("ignoring malformed announcement", "from", from.String(), "err", err)
		return
	}
	if ann.IP == "" {
		return
	}

	serial, err := s.verify(ann.IP)
	if err != nil {
		s.logger.Info("failed to verify fireplace ip", "ip", ann.IP, "err", err)
		return
	}

	s.mu.Lock()
	_, known := s.table[serial]
	s.table[serial] = Entry{Serial: serial, IP: ann.IP, LastSeen: time.Now()}
	s.mu.Unlock()

	s.logger.Info("fireplace located", "serial", serial, "ip", ann.IP)
	if !known {
		s.bus.Emit(events.Event{Type: events.EventDiscovered, Data: map[string]interface{}{
			"serial": serial,
			"ip":     ann.IP,
		}})
	}
}

// verify polls the announced IP directly; only a body carrying a serial
// proves a live fireplace is behind it.
func (s *Service) verify(ip string) (string, error) {
	resp, err := s.client.Get(fmt.Sprintf("http://%s/poll", ip))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("poll status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read poll body: %w", err)
	}
	return fireplace.ParseSerial(body)
}
