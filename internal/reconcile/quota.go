package reconcile

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/remote"
)

// QuotaMonitor raises the quota warning and error at most once each for the life of
// a ledger writer. An error may still follow a warning.
type QuotaMonitor struct {
	assigned   int64   // 0 = use backend-reported quota only
	warningPct float64 // warn when free space drops below this percentage

	mu       sync.Mutex
	warned   bool
	exceeded bool
}

// NewQuotaMonitor creates a monitor. assigned is an optional quota in bytes.
func NewQuotaMonitor(assigned int64, warningPct float64) *QuotaMonitor {
	return &QuotaMonitor{assigned: assigned, warningPct: warningPct}
}

// QuotaStatus is the quota evaluation of one reconcile pass.
type QuotaStatus struct {
	Known    bool
	Total    int64
	Free     int64
	UsedPct  float64
	Warning  bool // raised by this check
	Exceeded bool // raised by this check
}

// Check evaluates usage. reported may be nil when the backend has no quota.
func (q *QuotaMonitor) Check(knownSize int64, reported *remote.Quota, logger zerolog.Logger) QuotaStatus {
	var st QuotaStatus
	switch {
	case q.assigned > 0:
		st.Total = q.assigned
		st.Free = q.assigned - knownSize
		if reported != nil && reported.Free > 0 && reported.Free < st.Free {
			st.Free = reported.Free
		}
	case reported != nil && reported.Total > 0:
		st.Total = reported.Total
		st.Free = reported.Free
	default:
		return st
	}
	st.Known = true
	st.UsedPct = float64(st.Total-st.Free) / float64(st.Total) * 100

	q.mu.Lock()
	defer q.mu.Unlock()

	if st.Free <= 0 {
		if !q.exceeded {
			q.exceeded = true
			st.Exceeded = true
			logger.Error().
				Int64("total", st.Total).
				Int64("used", knownSize).
				Msg("Backend quota has been exceeded")
		}
		return st
	}
	if st.UsedPct >= 100-q.warningPct && !q.warned {
		q.warned = true
		st.Warning = true
		logger.Warn().
			Int64("total", st.Total).
			Int64("free", st.Free).
			Float64("used_pct", st.UsedPct).
			Msg("Backend quota is close to being exceeded")
	}
	return st
}
