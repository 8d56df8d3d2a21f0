package homeassistant

import (
	"encoding/json"
	"fmt"

	"github.com/daemonp/dreamcatcher2mqtt/internal/config"
	"github.com/daemonp/dreamcatcher2mqtt/internal/log"
	"github.com/daemonp/dreamcatcher2mqtt/internal/mqtt"
	"github.com/daemonp/dreamcatcher2mqtt/internal/types"
	"github.com/daemonp/dreamcatcher2mqtt/internal/util"
)

const manufacturer = "Dreamcatcher"

type HomeAssistant struct {
	config *config.HomeAssistantConfig
	mqtt   mqtt.MQTTClient
	log    *log.Logger
}

func New(cfg *config.HomeAssistantConfig, mqttClient mqtt.MQTTClient, logger *log.Logger) *HomeAssistant {
	return &HomeAssistant{
		config: cfg,
		mqtt:   mqttClient,
		log:    logger.With("homeassistant"),
	}
}

// PublishPanel announces the alarm control panel and its connectivity
// sensor for one panel.
func (ha *HomeAssistant) PublishPanel(panel string, info types.DeviceInfo, model string) {
	ha.log.Info("Publishing Home Assistant discovery for panel %s", panel)
	device := ha.deviceBlock(info, model)
	topics := ha.mqtt.Topics()

	ha.publishConfig("alarm_control_panel", panel, map[string]interface{}{
		"name":                 info.Name,
		"unique_id":            ha.uniqueID(panel, "alarm"),
		"state_topic":          topics.Panel(panel),
		"command_topic":        topics.PanelCommand(panel),
		"availability_topic":   topics.Connectivity(panel),
		"payload_disarm":       "disarm",
		"payload_arm_away":     "arm_away",
		"payload_arm_home":     "arm_home",
		"code_arm_required":    false,
		"code_disarm_required": false,
		"supported_features":   []string{"arm_home", "arm_away"},
		"value_template":       alarmTemplate,
		"device":               device,
	})

	ha.publishConfig("binary_sensor", panel+"_connectivity", map[string]interface{}{
		"name":         fmt.Sprintf("%s connectivity", info.Name),
		"unique_id":    ha.uniqueID(panel, "connectivity"),
		"state_topic":  topics.Connectivity(panel),
		"device_class": "connectivity",
		"payload_on":   "online",
		"payload_off":  "offline",
		"device":       device,
	})
}

// PublishDevices announces a binary sensor for every node of every
// sub-device paired with the panel.
func (ha *HomeAssistant) PublishDevices(panel string, info types.DeviceInfo, model string, devices []types.Device) {
	device := ha.deviceBlock(info, model)
	for _, d := range devices {
		for i, node := range d.Nodes {
			name := nodeName(d, node)
			object := fmt.Sprintf("%s_%s_%s", panel, util.Slugify(d.DeviceID), util.Slugify(node.NodeID))
			ha.publishConfig("binary_sensor", object, map[string]interface{}{
				"name":               name,
				"unique_id":          ha.uniqueID(panel, object),
				"state_topic":        ha.mqtt.Topics().Device(panel, d.DeviceID),
				"availability_topic": ha.mqtt.Topics().Connectivity(panel),
				"device_class":       getDeviceClass(name, node.NodeType),
				"value_template":     fmt.Sprintf("{{ value_json.nodes[%d].status }}", i),
				"payload_on":         "1",
				"payload_off":        "0",
				"device":             device,
			})
		}
	}
}

const alarmTemplate = `{% if value_json.alarm %}triggered{% elif value_json.state == 'arm' %}armed_away{% elif value_json.state == 'home' %}armed_home{% elif value_json.state == 'disarm' %}disarmed{% else %}unknown{% endif %}`

func (ha *HomeAssistant) deviceBlock(info types.DeviceInfo, model string) map[string]interface{} {
	if model == "" {
		model = info.ProductID
	}
	return map[string]interface{}{
		"name":         info.Name,
		"identifiers":  []string{info.DeviceID},
		"manufacturer": manufacturer,
		"model":        model,
	}
}

func (ha *HomeAssistant) uniqueID(panel, object string) string {
	return fmt.Sprintf("%s_%s_%s", ha.mqtt.GetPrefix(), panel, object)
}

func (ha *HomeAssistant) publishConfig(component, objectID string, config map[string]interface{}) {
	topic := fmt.Sprintf("%s/%s/%s/%s/config", ha.config.Prefix, component, ha.mqtt.GetPrefix(), objectID)

	payload, err := json.Marshal(config)
	if err != nil {
		ha.log.Error("Failed to marshal Home Assistant config: %v", err)
		return
	}

	ha.mqtt.Publish(topic, string(payload), true)
}

func nodeName(d types.Device, node types.DeviceNode) string {
	name := d.DeviceName
	if name == "" {
		name = d.DeviceID
	}
	if len(d.Nodes) > 1 && node.NodeName != "" {
		name = fmt.Sprintf("%s %s", name, node.NodeName)
	}
	return name
}
