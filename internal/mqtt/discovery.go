//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/intellifire_XXX/flame/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Min               *int     `json:"min,omitempty"`
	Max               *int     `json:"max,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceDisplayName returns a display name for the fireplace.
func deviceDisplayName(dev fireplace.Device) string {
	if dev.Name != "" {
		return dev.Name
	}
	return dev.Serial
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev fireplace.Device) string {
	return "intellifire_" + dev.Serial
}

// deviceTopicName returns the topic name for a fireplace (name or serial).
func deviceTopicName(dev fireplace.Device) string {
	if dev.Name != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(dev.Name)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return dev.Serial
}

// buildDiscovery generates HA discovery messages for one fireplace: a flame
// switch, a light, and number entities for flame height and fan speed.
func buildDiscovery(dev fireplace.Device, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(dev)
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: dev.Brand,
		Model:        "IntelliFire",
		Name:         displayName,
	}

	return []discoveryMsg{
		buildSwitch(nodeID, displayName, stateTopic, avail, haDev),
		buildLight(nodeID, displayName, stateTopic, avail, haDev),
		buildNumber(nodeID, displayName, stateTopic, avail, haDev,
			fireplace.ParamHeight, "Flame Height", fireplace.MaxHeight, "mdi:fire"),
		buildNumber(nodeID, displayName, stateTopic, avail, haDev,
			fireplace.ParamFanSpeed, "Fan Speed", fireplace.MaxFanSpeed, "mdi:fan"),
	}
}

func buildSwitch(nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/flame/config", nodeID)
	payload := haDiscovery{
		Name:              displayName + " Flame",
		UniqueID:          nodeID + "_flame",
		StateTopic:        stateTopic,
		CommandTopic:      stateTopic + "/" + fireplace.ParamPower + "/set",
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.power }}",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Icon:              "mdi:fireplace",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildLight(nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/light/%s/light/config", nodeID)
	payload := haDiscovery{
		Name:              displayName + " Light",
		UniqueID:          nodeID + "_light",
		StateTopic:        stateTopic,
		CommandTopic:      stateTopic + "/" + fireplace.ParamLight + "/set",
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.light }}",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildNumber(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	param, suffix string, max int, icon string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/number/%s/%s/config", nodeID, param)
	min := 0
	maxv := max
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + param,
		StateTopic:        stateTopic,
		CommandTopic:      stateTopic + "/" + param + "/set",
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json." + param + " }}",
		Min:               &min,
		Max:               &maxv,
		Mode:              "slider",
		Icon:              icon,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a
// fireplace from HA.
func buildRemoveDiscovery(dev fireplace.Device) []discoveryMsg {
	nodeID := deviceIdentifier(dev)

	components := []struct{ comp, obj string }{
		{"switch", "flame"},
		{"light", "light"},
		{"number", fireplace.ParamHeight},
		{"number", fireplace.ParamFanSpeed},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
