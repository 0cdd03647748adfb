package audit

import (
	"context"
	"time"
)

// Page size bounds for List.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Filter controls which attempts List returns. Zero values mean no filter.
type Filter struct {
	TenantID     string
	DeviceNumber int
	Method       Method
	Granted      *bool
	From         *time.Time // inclusive
	To           *time.Time // exclusive
	Limit        int        // default 50, max 200
	Offset       int
}

// clamp applies the paging bounds.
func (f *Filter) clamp() {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// ListResult is one page of attempts, newest first.
type ListResult struct {
	Attempts []Attempt `json:"attempts"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

// Repository persists access attempts.
type Repository interface {
	Create(ctx context.Context, a *Attempt) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	// ListWindow returns every attempt of the tenant in [from, to), oldest first.
	ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Attempt, error)
	// PurgeBefore deletes attempts created before cutoff and returns the count.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
