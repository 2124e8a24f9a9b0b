package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/davidashman/homebridge-intellifire2/internal/discovery"
	"github.com/davidashman/homebridge-intellifire2/internal/events"
	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newResolver(t *testing.T) *discovery.Service {
	t.Helper()
	bus := events.NewBus(newTestLogger())
	return discovery.NewService(bus, newTestLogger())
}

var testDevice = fireplace.Device{
	Name:   "Den",
	Serial: "FP001",
	Brand:  "Heatilator",
	APIKey: "deadbeef00112233",
}

func TestLocalPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/poll" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"serial":"FP001","power":"1","height":"2","fanspeed":"3","light":"1"}`)
	}))
	defer srv.Close()

	resolver := newResolver(t)
	resolver.Add("FP001", strings.TrimPrefix(srv.URL, "http://"))
	c := NewClient(resolver, "user-1", newTestLogger())

	st, err := c.Poll(context.Background(), testDevice)
	if err != nil {
		t.Fatal(err)
	}
	want := fireplace.State{Power: true, AckPower: true, Height: 2, FanSpeed: 3, Light: true}
	if st != want {
		t.Errorf("state = %+v, want %+v", st, want)
	}
}

func TestLocalPollNoAddress(t *testing.T) {
	c := NewClient(newResolver(t), "user-1", newTestLogger())
	_, err := c.Poll(context.Background(), testDevice)
	if !errors.Is(err, ErrNoAddress) {
		t.Fatalf("err = %v, want ErrNoAddress", err)
	}
}

func TestLocalPostSignsChallenge(t *testing.T) {
	const challenge = "0a0b0c0d"
	var posted map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_challenge":
			fmt.Fprint(w, challenge)
		case "/post":
			r.ParseForm()
			posted = map[string]string{
				"command":  r.PostFormValue("command"),
				"value":    r.PostFormValue("value"),
				"user":     r.PostFormValue("user"),
				"response": r.PostFormValue("response"),
			}
			// Verify the signature the way the firmware would.
			want, err := SignCommand(testDevice.APIKey, challenge, posted["command"], posted["value"])
			if err != nil || posted["response"] != want {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	resolver := newResolver(t)
	resolver.Add("FP001", strings.TrimPrefix(srv.URL, "http://"))
	c := NewClient(resolver, "user-1", newTestLogger())

	if err := c.Post(context.Background(), testDevice, "height", "3"); err != nil {
		t.Fatal(err)
	}
	if posted["command"] != "height" || posted["value"] != "3" {
		t.Errorf("posted = %+v", posted)
	}
	if posted["user"] != "user-1" {
		t.Errorf("user = %q, want %q", posted["user"], "user-1")
	}
	if posted["response"] == "" {
		t.Error("response missing from form body")
	}
}

func TestLocalPostRequiresAPIKey(t *testing.T) {
	resolver := newResolver(t)
	resolver.Add("FP001", "127.0.0.1:1")
	c := NewClient(resolver, "user-1", newTestLogger())

	dev := testDevice
	dev.APIKey = ""
	if err := c.Post(context.Background(), dev, "power", "1"); err == nil {
		t.Error("expected error for device without api key")
	}
}

func TestLocalPostNoAddress(t *testing.T) {
	c := NewClient(newResolver(t), "user-1", newTestLogger())
	err := c.Post(context.Background(), testDevice, "power", "1")
	if !errors.Is(err, ErrNoAddress) {
		t.Fatalf("err = %v, want ErrNoAddress", err)
	}
}
