package scanner

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/mqtt"
	"github.com/mariokehl/gymportal-access/internal/signing"
	"github.com/mariokehl/gymportal-access/internal/tenant"
)

// ExportConfig renders the KEY=value provisioning file for a scanner.
//
// The document contains the device token and the tenant signing secret.
// Callers must never log it.
func ExportConfig(d *Device, t *tenant.Tenant, key *signing.Key, qrWindow time.Duration, baseURL string) string {
	lines := []struct {
		key   string
		value string
	}{
		{"API_URL", strings.TrimRight(baseURL, "/") + "/api/v1"},
		{"TENANT_ID", t.ID},
		{"DEVICE_NUMBER", strconv.Itoa(d.DeviceNumber)},
		{"DEVICE_TOKEN", d.APIToken},
		{"TENANT_SECRET", key.CurrentSecret},
		{"QR_CODE_VALIDITY_MINUTES", strconv.Itoa(int(qrWindow / time.Minute))},
		{"ENABLE_QR_CODES", strconv.FormatBool(t.QREnabled)},
		{"ENABLE_NFC_CARDS", strconv.FormatBool(t.NFCEnabled)},
		{"MQTT_HEARTBEAT_TOPIC", mqtt.Topics{}.ScannerHeartbeat(t.ID, d.DeviceNumber)},
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# gymaccess scanner %d (%s)\n", d.DeviceNumber, d.Name)
	for _, l := range lines {
		b.WriteString(l.key)
		b.WriteByte('=')
		b.WriteString(l.value)
		b.WriteByte('\n')
	}
	return b.String()
}
