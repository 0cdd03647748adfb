package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/config"
)

// testConfig returns a configuration for a local broker at 127.0.0.1:1883.
func testConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// skipIfNoBroker skips broker-dependent tests when nothing listens on 1883.
func skipIfNoBroker(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 500*time.Millisecond)
	if err != nil {
		t.Skip("MQTT broker not available at 127.0.0.1:1883")
	}
	conn.Close()
}

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"AccessEvent", topics.AccessEvent("t-1"), "gymaccess/event/t-1/access"},
		{"ScannerHeartbeat", topics.ScannerHeartbeat("t-1", 3), "gymaccess/scanner/t-1/3/heartbeat"},
		{"AllScannerHeartbeats", topics.AllScannerHeartbeats(), "gymaccess/scanner/+/+/heartbeat"},
		{"AllAccessEvents", topics.AllAccessEvents(), "gymaccess/event/+/access"},
		{"SystemStatus", topics.SystemStatus(), "gymaccess/system/status"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestParseScannerHeartbeat(t *testing.T) {
	tests := []struct {
		topic      string
		wantTenant string
		wantDevice int
		wantOK     bool
	}{
		{"gymaccess/scanner/t-1/3/heartbeat", "t-1", 3, true},
		{Topics{}.ScannerHeartbeat("gym-42", 17), "gym-42", 17, true},
		{"gymaccess/scanner/t-1/0/heartbeat", "", 0, false},
		{"gymaccess/scanner/t-1/x/heartbeat", "", 0, false},
		{"gymaccess/scanner//3/heartbeat", "", 0, false},
		{"gymaccess/event/t-1/access", "", 0, false},
		{"other/scanner/t-1/3/heartbeat", "", 0, false},
	}
	for _, tt := range tests {
		tenant, device, ok := ParseScannerHeartbeat(tt.topic)
		if ok != tt.wantOK || tenant != tt.wantTenant || device != tt.wantDevice {
			t.Errorf("ParseScannerHeartbeat(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tt.topic, tenant, device, ok, tt.wantTenant, tt.wantDevice, tt.wantOK)
		}
	}
}

func TestValidatePublish(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"valid", "gymaccess/x", []byte("{}"), 1, nil},
		{"nil payload", "gymaccess/x", nil, 0, nil},
		{"empty topic", "", []byte("{}"), 1, ErrInvalidTopic},
		{"invalid qos", "gymaccess/x", []byte("{}"), 3, ErrInvalidQoS},
		{"oversized", "gymaccess/x", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePublish(tt.topic, tt.payload, tt.qos)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validatePublish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDisconnectedClient(t *testing.T) {
	c := &Client{}

	if c.IsConnected() {
		t.Error("IsConnected() = true on unconnected client")
	}
	if err := c.Publish("gymaccess/x", []byte("{}"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.PublishJSON("gymaccess/x", map[string]int{"a": 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishJSON() error = %v, want ErrNotConnected", err)
	}
	noop := func(string, []byte) error { return nil }
	if err := c.Subscribe("gymaccess/x", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestBuildStatusPayload(t *testing.T) {
	var p statusPayload
	if err := json.Unmarshal([]byte(buildStatusPayload("core-1", "offline", "graceful_shutdown")), &p); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if p.Status != "offline" || p.ClientID != "core-1" || p.Reason != "graceful_shutdown" || p.Timestamp == "" {
		t.Errorf("payload = %+v", p)
	}
}

func TestConnectInvalidBroker(t *testing.T) {
	cfg := testConfig("gymaccess-test-invalid")
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	skipIfNoBroker(t)

	pub, err := Connect(testConfig("gymaccess-test-pub"))
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	sub, err := Connect(testConfig("gymaccess-test-sub"))
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	type hit struct {
		tenant string
		device int
	}
	received := make(chan hit, 1)
	err = sub.Subscribe(Topics{}.AllScannerHeartbeats(), 1, func(topic string, _ []byte) error {
		tenant, device, ok := ParseScannerHeartbeat(topic)
		if !ok {
			return errors.New("unexpected topic")
		}
		received <- hit{tenant, device}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sub.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", sub.SubscriptionCount())
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.PublishJSON(Topics{}.ScannerHeartbeat("t-1", 4), map[string]string{"fw": "1.2"}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case h := <-received:
		if h.tenant != "t-1" || h.device != 4 {
			t.Errorf("received %+v, want t-1/4", h)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for heartbeat")
	}
}
