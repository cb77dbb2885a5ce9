package config

import "testing"

func TestExpandWith(t *testing.T) {
	env := map[string]string{
		"BROKER_HOST": "mqtt.farm.local",
		"BROKER_PASS": "s3cret",
		"EMPTY":       "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set", "url: tcp://${BROKER_HOST}:1883", "url: tcp://mqtt.farm.local:1883"},
		{"unset", "password: ${BROKER_USER}", "password: "},
		{"default when unset", "qos: ${SHUTTER_QOS:-1}", "qos: 1"},
		{"default ignored when set", "password: ${BROKER_PASS:-guest}", "password: s3cret"},
		{"default when empty", "path: ${EMPTY:-./data}", "path: ./data"},
		{"empty default", "user: ${BROKER_USER:-}", "user: "},
		{"several", "${BROKER_HOST}/${BROKER_PASS}", "mqtt.farm.local/s3cret"},
		{"not a reference", "topic: device/{id}/ack $HOME", "topic: device/{id}/ack $HOME"},
		{"invalid name", "${1BAD}", "${1BAD}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandWith(tt.input, lookup); got != tt.want {
				t.Errorf("expandWith(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExpandEnv_UsesProcessEnvironment(t *testing.T) {
	t.Setenv("SHUTTER_TEST_SOURCE", "B8F862F9CFB8")
	if got := ExpandEnv("source_id: ${SHUTTER_TEST_SOURCE}"); got != "source_id: B8F862F9CFB8" {
		t.Errorf("ExpandEnv = %q", got)
	}
}

func TestParse_ExpandsTransportCredentials(t *testing.T) {
	t.Setenv("SHUTTER_TEST_BROKER", "tcp://broker:1883")
	t.Setenv("SHUTTER_TEST_PASSWORD", "hunter2")

	cfg, err := Parse([]byte(`
transport:
  type: mqtt
  url: ${SHUTTER_TEST_BROKER}
  username: ${SHUTTER_TEST_USER:-camera}
  password: ${SHUTTER_TEST_PASSWORD}
`), "shutter.yaml")
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	tc := cfg.Transport
	if tc.URL != "tcp://broker:1883" || tc.Username != "camera" || tc.Password != "hunter2" {
		t.Errorf("transport = %+v", tc)
	}
}
