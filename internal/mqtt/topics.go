package mqtt

import (
	"fmt"
	"strings"
)

type Topics struct {
	prefix string
}

func NewTopics(prefix string) *Topics {
	return &Topics{prefix: prefix}
}

func (t *Topics) Status() string {
	return fmt.Sprintf("%s/status", t.prefix)
}

func (t *Topics) Panel(panel string) string {
	return fmt.Sprintf("%s/%s/state", t.prefix, panel)
}

func (t *Topics) PanelCommand(panel string) string {
	return fmt.Sprintf("%s/%s/command", t.prefix, panel)
}

func (t *Topics) PanelConfig(panel string) string {
	return fmt.Sprintf("%s/%s/config", t.prefix, panel)
}

func (t *Topics) Connectivity(panel string) string {
	return fmt.Sprintf("%s/%s/connectivity", t.prefix, panel)
}

func (t *Topics) Alarm(panel string) string {
	return fmt.Sprintf("%s/%s/alarm", t.prefix, panel)
}

func (t *Topics) Device(panel, device string) string {
	return fmt.Sprintf("%s/%s/device/%s", t.prefix, panel, device)
}

// PanelFromCommand extracts the panel slug from a command topic.
func (t *Topics) PanelFromCommand(topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, t.prefix+"/")
	if rest == topic || !strings.HasSuffix(rest, "/command") {
		return "", false
	}
	panel := strings.TrimSuffix(rest, "/command")
	if panel == "" || strings.Contains(panel, "/") {
		return "", false
	}
	return panel, true
}
