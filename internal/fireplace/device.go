package fireplace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Range of the analog settings. The appliance exposes five discrete levels
// (0 = off/lowest) for both flame height and fan speed.
const (
	MaxHeight   = 4
	MaxFanSpeed = 4
)

// Command parameter names understood by both transports.
const (
	ParamPower    = "power"
	ParamHeight   = "height"
	ParamFanSpeed = "fanspeed"
	ParamLight    = "light"
)

// ErrBadPayload is returned when a status body does not decode into a valid
// state. Callers treat it as "no update this cycle", never as fatal.
var ErrBadPayload = errors.New("malformed status payload")

// ErrNoChange signals a long-poll that came back without a state change.
// The poll loop keeps its cursor and re-polls immediately.
var ErrNoChange = errors.New("no state change")

// Device is the immutable identity record for one fireplace. A new Device
// replaces an old one on re-enumeration; nothing mutates an existing record.
type Device struct {
	Name   string `json:"name"`
	Serial string `json:"serial"`
	Brand  string `json:"brand"`
	APIKey string `json:"apikey,omitempty"`
}

// State is the decoded appliance state. Power is the optimistic view used
// for responsiveness; AckPower is the last server-confirmed power state and
// only ever changes on a successful poll decode.
type State struct {
	Power     bool  `json:"power"`
	AckPower  bool  `json:"ack_power"`
	Height    int   `json:"height"`
	FanSpeed  int   `json:"fanspeed"`
	Light     bool  `json:"light"`
	Timestamp int64 `json:"timestamp"`
}

// flag decodes the API's "0"/"1" fields, which arrive as strings from the
// cloud endpoints and occasionally as bare numbers from device firmware.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(b), `"`) {
	case "", "0", "false":
		*f = false
	case "1", "true":
		*f = true
	default:
		return fmt.Errorf("flag value %s", b)
	}
	return nil
}

// level decodes numeric fields that may arrive as strings or numbers.
type level int64

func (l *level) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*l = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("level value %s", b)
	}
	*l = level(n)
	return nil
}

// statusPayload is the wire shape shared by the cloud poll endpoints and the
// device's local /poll endpoint. The local body additionally carries serial.
type statusPayload struct {
	Serial    string `json:"serial"`
	Power     flag   `json:"power"`
	Height    level  `json:"height"`
	FanSpeed  level  `json:"fanspeed"`
	Light     flag   `json:"light"`
	Timestamp level  `json:"timestamp"`
}

// ParseState decodes a status body into a typed State. The returned state's
// AckPower mirrors the wire power field, since anything decoded here came
// from the appliance or its relay.
func ParseState(body []byte) (State, error) {
	var p statusPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.Height < 0 || p.Height > MaxHeight {
		return State{}, fmt.Errorf("%w: height %d out of range", ErrBadPayload, p.Height)
	}
	if p.FanSpeed < 0 || p.FanSpeed > MaxFanSpeed {
		return State{}, fmt.Errorf("%w: fanspeed %d out of range", ErrBadPayload, p.FanSpeed)
	}
	return State{
		Power:     bool(p.Power),
		AckPower:  bool(p.Power),
		Height:    int(p.Height),
		FanSpeed:  int(p.FanSpeed),
		Light:     bool(p.Light),
		Timestamp: int64(p.Timestamp),
	}, nil
}

// ParseSerial extracts the serial field from a local /poll body. Discovery
// uses it to bind an announced IP to a device identity.
func ParseSerial(body []byte) (string, error) {
	var p statusPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.Serial == "" {
		return "", fmt.Errorf("%w: missing serial", ErrBadPayload)
	}
	return p.Serial, nil
}
