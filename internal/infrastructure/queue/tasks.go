package queue

import "time"

// Task types.
const (
	TypeLoginCodeEmail      = "email:login_code"
	TypePurgeAccessAttempts = "maintenance:purge_access_attempts"
	TypeSweepLoginCodes     = "maintenance:sweep_login_codes"
)

// Queue names and their worker priorities.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Priorities returns the weighted queue map for asynq.Config.
func Priorities() map[string]int {
	return map[string]int{
		QueueCritical: 6,
		QueueDefault:  3,
		QueueLow:      1,
	}
}

// LoginCodeEmailPayload carries one login code to the mail worker.
// Code is a live credential; the payload must not be logged.
type LoginCodeEmailPayload struct {
	TenantID   string    `json:"tenant_id"`
	TenantName string    `json:"tenant_name"`
	Timezone   string    `json:"timezone"`
	MemberID   string    `json:"member_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// MaintenancePayload is shared by the periodic jobs. Cutoffs are computed
// when the task runs, not when it is scheduled.
type MaintenancePayload struct {
	RetentionDays int `json:"retention_days,omitempty"`
}
