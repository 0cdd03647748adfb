package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/mqtt"
)

const heartbeatTimeout = 5 * time.Second

// HeartbeatHandler returns an MQTT handler that stamps last_seen_at for the
// device named by the heartbeat topic. The payload is ignored.
func HeartbeatHandler(repo *Repository) mqtt.MessageHandler {
	return func(topic string, _ []byte) error {
		tenantID, deviceNumber, ok := mqtt.ParseScannerHeartbeat(topic)
		if !ok {
			return fmt.Errorf("unexpected heartbeat topic %q", topic)
		}

		ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
		defer cancel()

		if err := repo.TouchLastSeen(ctx, tenantID, deviceNumber); err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				return fmt.Errorf("heartbeat from unknown scanner %s/%d", tenantID, deviceNumber)
			}
			return err
		}
		return nil
	}
}
