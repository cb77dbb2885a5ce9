package transport

import (
	"fmt"
	"strings"
)

// Placeholder marks the source id segment in a topic template.
const Placeholder = "{id}"

// Topics holds the topic templates for each message kind. Each template
// must contain Placeholder as one whole level.
type Topics struct {
	Status  string `yaml:"status"`
	Data    string `yaml:"data"`
	Command string `yaml:"command"`
	Ack     string `yaml:"ack"`
}

// DefaultTopics returns the layout used by the camera firmware.
func DefaultTopics() Topics {
	return Topics{
		Status:  "device/{id}/status",
		Data:    "ESP32CAM/{id}/data",
		Command: "device/{id}/cmd",
		Ack:     "device/{id}/ack",
	}
}

// WithDefaults fills empty templates from DefaultTopics.
func (t Topics) WithDefaults() Topics {
	d := DefaultTopics()
	if t.Status == "" {
		t.Status = d.Status
	}
	if t.Data == "" {
		t.Data = d.Data
	}
	if t.Command == "" {
		t.Command = d.Command
	}
	if t.Ack == "" {
		t.Ack = d.Ack
	}
	return t
}

// Validate checks every template.
func (t Topics) Validate() error {
	for name, tmpl := range map[string]string{
		"status":  t.Status,
		"data":    t.Data,
		"command": t.Command,
		"ack":     t.Ack,
	} {
		if err := validateTemplate(tmpl); err != nil {
			return fmt.Errorf("topics.%s: %w", name, err)
		}
	}
	return nil
}

func validateTemplate(tmpl string) error {
	n := 0
	for _, level := range strings.Split(tmpl, "/") {
		switch {
		case level == Placeholder:
			n++
		case strings.Contains(level, Placeholder):
			return fmt.Errorf("%q: %s must be a whole level", tmpl, Placeholder)
		case level == "+" || level == "#":
			return fmt.Errorf("%q: wildcards are not allowed in templates", tmpl)
		}
	}
	if n != 1 {
		return fmt.Errorf("%q: want exactly one %s level, got %d", tmpl, Placeholder, n)
	}
	return nil
}

// StatusTopic returns the status topic for source id.
func (t Topics) StatusTopic(id string) string { return expand(t.Status, id) }

// DataTopic returns the data topic for source id.
func (t Topics) DataTopic(id string) string { return expand(t.Data, id) }

// CommandTopic returns the command topic for source id.
func (t Topics) CommandTopic(id string) string { return expand(t.Command, id) }

// AckTopic returns the ack topic for source id.
func (t Topics) AckTopic(id string) string { return expand(t.Ack, id) }

// DataPattern matches the data topic of every source.
func (t Topics) DataPattern() string { return expand(t.Data, "+") }

// StatusPattern matches the status topic of every source.
func (t Topics) StatusPattern() string { return expand(t.Status, "+") }

// SourceFrom extracts the source id from topic using template.
func SourceFrom(template, topic string) (string, bool) {
	ts := strings.Split(template, "/")
	ps := strings.Split(topic, "/")
	if len(ts) != len(ps) {
		return "", false
	}
	id := ""
	for i, level := range ts {
		if level == Placeholder {
			id = ps[i]
			continue
		}
		if level != ps[i] {
			return "", false
		}
	}
	return id, id != ""
}

func expand(tmpl, id string) string {
	return strings.Replace(tmpl, Placeholder, id, 1)
}
