// Package zigbee adapts Zigbee2MQTT device messages to canonical sensor events.
package zigbee

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DeviceKind selects how a device payload is read.
type DeviceKind string

const (
	// KindCounter reports a head count in people, count or occupancy.
	KindCounter DeviceKind = "counter"
	// KindPresence reports occupancy as a boolean.
	KindPresence DeviceKind = "presence"
	// KindDirectional reports enter/leave actions.
	KindDirectional DeviceKind = "directional"
)

// Device binds a Zigbee friendly name to a room.
type Device struct {
	Tenant string     `yaml:"tenant" validate:"excludes=:"`
	Room   string     `yaml:"room" validate:"required"`
	Kind   DeviceKind `yaml:"kind" validate:"required,oneof=counter presence directional"`
}

// DeviceMap is keyed by friendly name.
type DeviceMap map[string]Device

type deviceFile struct {
	Devices DeviceMap `yaml:"devices"`
}

var validate = validator.New()

// ParseDeviceMap decodes a YAML document with a top-level devices key.
func ParseDeviceMap(data []byte) (DeviceMap, error) {
	var file deviceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("zigbee: parse device map: %w", err)
	}
	for name, device := range file.Devices {
		if err := validate.Struct(device); err != nil {
			return nil, fmt.Errorf("zigbee: device %s: %w", name, err)
		}
	}
	if file.Devices == nil {
		file.Devices = DeviceMap{}
	}
	return file.Devices, nil
}

// LoadDeviceMap reads a device map file.
func LoadDeviceMap(path string) (DeviceMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("zigbee: read device map: %w", err)
	}
	return ParseDeviceMap(data)
}
