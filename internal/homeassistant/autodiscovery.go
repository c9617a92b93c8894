// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/homeassistant_sensors.yaml
var homeAssistantSensorsYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled            bool
	DiscoveryPrefix    string
	DeviceName         string
	DeviceManufacturer string
	DeviceModel        string
	RetainDiscovery    bool
}

// SensorConfig represents a sensor configuration from the layouts YAML.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
	StatusMapping     string `yaml:"status_mapping,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors, keyed by path.
type LayoutConfig struct {
	Version        string                    `yaml:"version"`
	Description    string                    `yaml:"description"`
	StatusMappings map[string]map[int]string `yaml:"status_mappings"`
	Sensors        map[string]SensorConfig   `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery handles Home Assistant MQTT auto-discovery.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	baseTopic    string
	deviceID     string
}

// New creates a new Home Assistant auto-discovery instance.
func New(config Config, baseTopic, deviceID string) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:    config,
		baseTopic: baseTopic,
		deviceID:  deviceID,
	}

	// Load the layout configuration
	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

// loadLayoutConfig loads the Home Assistant sensor configuration from embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(homeAssistantSensorsYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	for path, sensor := range config.Sensors {
		if sensor.StatusMapping == "" {
			continue
		}
		if _, ok := config.StatusMappings[sensor.StatusMapping]; !ok {
			return fmt.Errorf("sensor %s references unknown status mapping %q", path, sensor.StatusMapping)
		}
	}

	ad.layoutConfig = &config
	log.Debug().
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return nil
}

// Sensor returns the layout entry for a path.
func (ad *AutoDiscovery) Sensor(path string) (SensorConfig, bool) {
	s, ok := ad.layoutConfig.Sensors[path]
	return s, ok
}

// GenerateDiscoveryMessages generates the discovery messages of every known path in a namespace.
// Paths without a layout entry are ignored.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(ns domain.Namespace, paths []string, firmware string) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)

	for _, path := range paths {
		sensorConfig, exists := ad.layoutConfig.Sensors[path]
		if !exists {
			continue
		}
		messages[ad.getDiscoveryTopic(ns, path)] = ad.createDiscoveryMessage(ns, path, sensorConfig, firmware)
	}

	return messages
}

// createDiscoveryMessage creates a discovery message for a specific sensor.
func (ad *AutoDiscovery) createDiscoveryMessage(ns domain.Namespace, path string, sensorConfig SensorConfig, firmware string) DiscoveryMessage {
	nodeID := ad.nodeID(ns)

	var entityCategory string
	if sensorConfig.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:              sensorConfig.Name,
		UniqueID:          fmt.Sprintf("%s_%s", nodeID, objectID(path)),
		StateTopic:        ad.StateTopic(ns, path),
		ValueTemplate:     ad.getValueTemplate(sensorConfig),
		DeviceClass:       sensorConfig.DeviceClass,
		UnitOfMeasurement: sensorConfig.UnitOfMeasurement,
		StateClass:        sensorConfig.StateClass,
		Icon:              sensorConfig.Icon,
		EntityCategory:    entityCategory,
		Device: DeviceInfo{
			Identifiers:  []string{nodeID},
			Name:         fmt.Sprintf("%s (%s)", ad.config.DeviceName, capitalize(string(ns))),
			Manufacturer: ad.config.DeviceManufacturer,
			Model:        ad.config.DeviceModel,
			SwVersion:    firmware,
		},
		AvailabilityTopic:   ad.GetAvailabilityTopic(ns),
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
	}
}

// getValueTemplate returns the value template, translating enumerated states to labels.
func (ad *AutoDiscovery) getValueTemplate(sensorConfig SensorConfig) string {
	if sensorConfig.StatusMapping == "" {
		return "{{ value_json.value }}"
	}

	mapping := ad.layoutConfig.StatusMappings[sensorConfig.StatusMapping]
	keys := make([]int, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	entries := make([]string, len(keys))
	for i, k := range keys {
		entries[i] = fmt.Sprintf("%d: '%s'", k, mapping[k])
	}
	return fmt.Sprintf("{{ {%s}.get(value_json.value, value_json.value) }}", strings.Join(entries, ", "))
}

// StatusLabel maps an enumerated value to its label when the path has a status mapping.
func (ad *AutoDiscovery) StatusLabel(path string, v domain.Value) (string, bool) {
	sensor, ok := ad.layoutConfig.Sensors[path]
	if !ok || sensor.StatusMapping == "" || !v.Available || v.Kind != domain.KindEnum {
		return "", false
	}
	label, ok := ad.layoutConfig.StatusMappings[sensor.StatusMapping][int(v.Int)]
	return label, ok
}

// StateTopic returns the topic a path value is published on.
func (ad *AutoDiscovery) StateTopic(ns domain.Namespace, path string) string {
	return fmt.Sprintf("%s/%s%s", ad.baseTopic, ns, path)
}

// nodeID returns the Home Assistant node of one namespace.
func (ad *AutoDiscovery) nodeID(ns domain.Namespace) string {
	nodeID := fmt.Sprintf("%s_%s", ad.deviceID, ns)
	nodeID = strings.ReplaceAll(nodeID, " ", "_")
	return strings.ToLower(nodeID)
}

// objectID flattens a path into an object id: /Ac/Out/L1/V becomes ac_out_l1_v.
func objectID(path string) string {
	return strings.ToLower(strings.ReplaceAll(strings.Trim(path, "/"), "/", "_"))
}

// getDiscoveryTopic generates the MQTT discovery topic for a sensor.
func (ad *AutoDiscovery) getDiscoveryTopic(ns domain.Namespace, path string) string {
	// <discovery_prefix>/sensor/<node_id>/<object_id>/config
	nodeID := ad.nodeID(ns)
	return fmt.Sprintf("%s/sensor/%s/%s_%s/config", ad.config.DiscoveryPrefix, nodeID, nodeID, objectID(path))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// GetAvailabilityTopic returns the availability topic of a namespace.
func (ad *AutoDiscovery) GetAvailabilityTopic(ns domain.Namespace) string {
	return fmt.Sprintf("%s/%s/status", ad.baseTopic, ns)
}

// CreateAvailabilityMessage creates availability messages based on configuration.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// CleanupDiscoveryMessages generates cleanup (empty) messages to remove sensors from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(ns domain.Namespace, paths []string) map[string]string {
	messages := make(map[string]string)

	for _, path := range paths {
		if _, ok := ad.layoutConfig.Sensors[path]; !ok {
			continue
		}
		messages[ad.getDiscoveryTopic(ns, path)] = "" // Empty payload removes the entity
	}

	return messages
}
