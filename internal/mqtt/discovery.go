//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"itach-go-home/internal/devices"
	"itach-go-home/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/button/itach_192_168_1_70/tv_power/config"
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
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceDisplayName returns a display name for the unit.
func deviceDisplayName(rec devices.DeviceRecord) string {
	if rec.Name != "" {
		return rec.Name
	}
	return rec.ID
}

// deviceIdentifier returns the unique identifier for the HA device registry.
func deviceIdentifier(rec devices.DeviceRecord) string {
	return "itach_" + sanitizeObjectID(rec.ID)
}

// deviceTopicName returns the topic segment for a device (name or id).
func deviceTopicName(rec devices.DeviceRecord) string {
	if rec.Name != "" {
		return sanitizeObjectID(rec.Name)
	}
	return sanitizeObjectID(rec.ID)
}

// sanitizeObjectID lowercases and keeps only characters safe in MQTT topics
// and HA object ids.
func sanitizeObjectID(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

// sensorKey is the state-map key for a sensor connector address.
func sensorKey(port string) string {
	return "sensor_" + strings.ReplaceAll(port, ":", "_")
}

// buildDiscovery generates HA discovery messages for a unit: one button per
// stored code and one binary sensor per sensor input.
func buildDiscovery(rec devices.DeviceRecord, codes []*store.Code, prefix string) []discoveryMsg {
	avail := prefix + "/" + deviceTopicName(rec) + "/availability"
	stateTopic := prefix + "/" + deviceTopicName(rec)
	cmdTopic := prefix + "/" + deviceTopicName(rec) + "/send"
	nodeID := deviceIdentifier(rec)
	displayName := deviceDisplayName(rec)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Global Caché",
		Name:         displayName,
	}

	var msgs []discoveryMsg

	for _, code := range codes {
		objectID := sanitizeObjectID(code.Name)
		topic := fmt.Sprintf("homeassistant/button/%s/%s/config", nodeID, objectID)
		payload := haDiscovery{
			Name:              displayName + " " + code.Name,
			UniqueID:          nodeID + "_" + objectID,
			CommandTopic:      cmdTopic,
			AvailabilityTopic: avail,
			PayloadPress:      mustJSONString(map[string]string{"name": code.Name}),
			Device:            haDev,
		}
		msgs = append(msgs, discoveryMsg{Topic: topic, Payload: mustJSON(payload)})
	}

	for _, p := range rec.IRPorts {
		if !p.Mode.IsSensor() {
			continue
		}
		key := sensorKey(p.Address())
		topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, key)
		payload := haDiscovery{
			Name:              fmt.Sprintf("%s sensor %s", displayName, p.Address()),
			UniqueID:          nodeID + "_" + key,
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", key),
			PayloadOn:         "1",
			PayloadOff:        "0",
			Device:            haDev,
		}
		msgs = append(msgs, discoveryMsg{Topic: topic, Payload: mustJSON(payload)})
	}

	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove a unit
// from HA.
func buildRemoveDiscovery(rec devices.DeviceRecord, codes []*store.Code) []discoveryMsg {
	nodeID := deviceIdentifier(rec)

	var msgs []discoveryMsg
	for _, code := range codes {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/button/%s/%s/config", nodeID, sanitizeObjectID(code.Name)),
		})
	}
	for _, p := range rec.IRPorts {
		if !p.Mode.IsSensor() {
			continue
		}
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, sensorKey(p.Address())),
		})
	}
	return msgs
}
