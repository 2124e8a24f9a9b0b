package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidashman/homebridge-intellifire2/internal/events"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// startService binds a service on loopback with an ephemeral port and a fake
// device answering the search datagram with the given announcement payload.
func startService(t *testing.T, devSrv *httptest.Server, announce string) (*Service, *events.Bus) {
	t.Helper()

	// Fake device: a UDP listener standing in for the appliance firmware.
	dev, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })

	go func() {
		buf := make([]byte, 64)
		for {
			n, from, err := dev.ReadFrom(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) == searchPacket {
				dev.WriteTo([]byte(announce), from)
			}
		}
	}()

	bus := events.NewBus(newTestLogger())
	svc := NewService(bus, newTestLogger(),
		WithAddrs("127.0.0.1:0", dev.LocalAddr().String()),
		WithVerifyClient(devSrv.Client()),
		WithRefresh(50*time.Millisecond),
	)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Stop)
	return svc, bus
}

// deviceServer serves /poll with the given body and reports its host:port.
func deviceServer(t *testing.T, body string) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/poll" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "http://")
}

func TestDiscoveryVerifiesAndRecords(t *testing.T) {
	srv, hostport := deviceServer(t, `{"serial":"ABC123","power":"1","height":"3"}`)

	announce := fmt.Sprintf(`{"ip":%q,"uuid":"X"}`, hostport)
	svc, bus := startService(t, srv, announce)

	var discovered atomic.Int32
	bus.On(events.EventDiscovered, func(e events.Event) { discovered.Add(1) })

	waitFor(t, func() bool {
		_, ok := svc.IP("ABC123")
		return ok
	})

	ip, _ := svc.IP("ABC123")
	if ip != hostport {
		t.Errorf("ip = %q, want %q", ip, hostport)
	}
	waitFor(t, func() bool { return discovered.Load() >= 1 })

	entries := svc.Entries()
	if len(entries) != 1 || entries[0].Serial != "ABC123" {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].LastSeen.IsZero() {
		t.Error("last seen not tracked")
	}
}

func TestDiscoveryRejectsUnverifiedAnnouncement(t *testing.T) {
	// The "device" answers /poll without a serial: the announcement must
	// not poison the table.
	srv, hostport := deviceServer(t, `{"power":"1"}`)

	announce := fmt.Sprintf(`{"ip":%q,"uuid":"X"}`, hostport)
	svc, _ := startService(t, srv, announce)

	time.Sleep(200 * time.Millisecond)
	if entries := svc.Entries(); len(entries) != 0 {
		t.Errorf("table = %+v, want empty", entries)
	}
}

func TestDiscoveryIgnoresGarbagePackets(t *testing.T) {
	srv, _ := deviceServer(t, `{}`)
	svc, _ := startService(t, srv, `not json at all`)

	time.Sleep(200 * time.Millisecond)
	if entries := svc.Entries(); len(entries) != 0 {
		t.Errorf("table = %+v, want empty", entries)
	}
}

func TestDiscoveryUnknownSerial(t *testing.T) {
	srv, _ := deviceServer(t, `{}`)
	svc, _ := startService(t, srv, `{}`)

	if _, ok := svc.IP("NOPE"); ok {
		t.Error("unknown serial should report absent")
	}
}
