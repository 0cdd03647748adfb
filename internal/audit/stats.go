package audit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/mariokehl/gymportal-access/internal/outcome"
)

// HourBucket counts attempts in one hour of the day.
type HourBucket struct {
	Hour    int `json:"hour"`
	Total   int `json:"total"`
	Granted int `json:"granted"`
	Denied  int `json:"denied"`
}

// Statistics summarises the attempts of a window.
type Statistics struct {
	From                    time.Time              `json:"from"`
	To                      time.Time              `json:"to"`
	Total                   int                    `json:"total"`
	Granted                 int                    `json:"granted"`
	Denied                  int                    `json:"denied"`
	InternalErrors          int                    `json:"internal_errors"`
	SuccessRate             float64                `json:"success_rate"`
	ByMethod                map[Method]int         `json:"by_method"`
	ByDevice                map[string]int         `json:"by_device"`
	HourlyHistogram         []HourBucket           `json:"hourly_histogram"`
	DenialReasonHistogram   map[outcome.Reason]int `json:"denial_reason_histogram"`
	DenialCategoryHistogram map[Category]int       `json:"denial_category_histogram"`
}

// Aggregate computes statistics over the attempts that fall in [from, to).
// Hours are taken in loc, so the histogram follows the gym's local day.
// The histogram always has 24 buckets. Internal failures count as denied
// but are kept out of the reason and category histograms.
func Aggregate(attempts []Attempt, from, to time.Time, loc *time.Location) Statistics {
	if loc == nil {
		loc = time.UTC
	}

	s := Statistics{
		From:                    from,
		To:                      to,
		ByMethod:                map[Method]int{},
		ByDevice:                map[string]int{},
		HourlyHistogram:         make([]HourBucket, 24),
		DenialReasonHistogram:   map[outcome.Reason]int{},
		DenialCategoryHistogram: map[Category]int{},
	}
	for h := range s.HourlyHistogram {
		s.HourlyHistogram[h].Hour = h
	}

	for i := range attempts {
		a := &attempts[i]
		if a.CreatedAt.Before(from) || !a.CreatedAt.Before(to) {
			continue
		}

		s.Total++
		s.ByMethod[a.Method]++
		s.ByDevice[strconv.Itoa(a.DeviceNumber)]++

		bucket := &s.HourlyHistogram[a.CreatedAt.In(loc).Hour()]
		bucket.Total++

		if a.Granted {
			s.Granted++
			bucket.Granted++
			continue
		}
		s.Denied++
		bucket.Denied++
		if a.Metadata.Internal {
			s.InternalErrors++
			continue
		}
		s.DenialReasonHistogram[a.DenialReason]++
		s.DenialCategoryHistogram[Categorize(a.DenialReason)]++
	}

	if s.Total > 0 {
		s.SuccessRate = math.Round(float64(s.Granted)/float64(s.Total)*10000) / 100
	}
	return s
}

// WindowStatistics loads the tenant's attempts in [from, to) and aggregates them.
func WindowStatistics(ctx context.Context, repo Repository, tenantID string, from, to time.Time, loc *time.Location) (Statistics, error) {
	attempts, err := repo.ListWindow(ctx, tenantID, from, to)
	if err != nil {
		return Statistics{}, err
	}
	return Aggregate(attempts, from, to, loc), nil
}
