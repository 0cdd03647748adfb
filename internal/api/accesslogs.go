package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mariokehl/gymportal-access/internal/audit"
)

// defaultStatisticsWindow is used when /access-statistics gets no range.
const defaultStatisticsWindow = 24 * time.Hour

// defaultMaxStatisticsWindow bounds the range when Deps.StatisticsWindow is
// unset. It matches the default audit retention.
const defaultMaxStatisticsWindow = 90 * 24 * time.Hour

// handleListAccessLogs returns one page of the tenant's attempts, newest first.
func (s *Server) handleListAccessLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{TenantID: chi.URLParam(r, "tenant")}

	if v := q.Get("device"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "device must be a positive integer")
			return
		}
		filter.DeviceNumber = n
	}
	if v := q.Get("method"); v != "" {
		m := audit.Method(v)
		if m != audit.MethodQR && m != audit.MethodNFC {
			writeBadRequest(w, "method must be qr or nfc")
			return
		}
		filter.Method = m
	}
	if v := q.Get("granted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "granted must be true or false")
			return
		}
		filter.Granted = &b
	}

	from, to, ok := timeRange(w, q)
	if !ok {
		return
	}
	filter.From, filter.To = from, to

	var err error
	if filter.Limit, err = intParam(q, "limit"); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q, "offset"); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	result, err := s.attempts.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing access logs failed", "tenant_id", filter.TenantID, "error", err)
		writeInternalError(w, "failed to list access logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAccessStatistics aggregates the tenant's attempts over [from, to).
// Without a range the last 24 hours are used. A from older than the
// statistics window before to is moved up to the window start, since the
// retention purge has removed those rows anyway. Hours follow the gym's
// timezone.
func (s *Server) handleAccessStatistics(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	t, err := s.tenants.Get(r.Context(), tenantID)
	if err != nil {
		s.tenantExists(w, r, tenantID)
		return
	}

	from, to, ok := timeRange(w, r.URL.Query())
	if !ok {
		return
	}
	end := s.now().UTC()
	if to != nil {
		end = *to
	}
	start := end.Add(-defaultStatisticsWindow)
	if from != nil {
		start = *from
	}
	if !start.Before(end) {
		writeBadRequest(w, "from must be before to")
		return
	}
	if earliest := end.Add(-s.statsWindow); start.Before(earliest) {
		start = earliest
	}

	stats, err := audit.WindowStatistics(r.Context(), s.attempts, tenantID, start, end, t.Location())
	if err != nil {
		s.logger.Error("computing access statistics failed", "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to compute statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// timeRange parses the optional RFC3339 from and to parameters.
func timeRange(w http.ResponseWriter, q url.Values) (*time.Time, *time.Time, bool) {
	var from, to *time.Time
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &from}, {"to", &to}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, p.name+" must be an RFC3339 timestamp")
			return nil, nil, false
		}
		t = t.UTC()
		*p.dst = &t
	}
	return from, to, true
}

func intParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
