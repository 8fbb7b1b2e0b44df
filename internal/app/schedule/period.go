// Package schedule implements the period calendar for recurring billing. A
// period maps any UTC timestamp to a canonical label; rebill instants must be
// the first second of their period, and consecutive rebills must advance by
// exactly one period. All label math is calendar-based, interpreted in UTC.
package schedule

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/atellix/token-agent/internal/app/domain/agent"
)

// Period is the recurrence interval of a subscription.
type Period uint8

const (
	PeriodDaily Period = iota
	PeriodWeekly
	PeriodMonthly
	PeriodQuarterly
	PeriodYearly
)

// MinGrace is the smallest caller-supplied grace window (12 hours).
const MinGrace int64 = 12 * 60 * 60

func (p Period) String() string {
	switch p {
	case PeriodDaily:
		return "daily"
	case PeriodWeekly:
		return "weekly"
	case PeriodMonthly:
		return "monthly"
	case PeriodQuarterly:
		return "quarterly"
	case PeriodYearly:
		return "yearly"
	default:
		return fmt.Sprintf("period(%d)", uint8(p))
	}
}

// ParsePeriod converts a textual period name.
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "day":
		return PeriodDaily, nil
	case "weekly", "week":
		return PeriodWeekly, nil
	case "monthly", "month":
		return PeriodMonthly, nil
	case "quarterly", "quarter":
		return PeriodQuarterly, nil
	case "yearly", "year":
		return PeriodYearly, nil
	default:
		return 0, agent.Errorf(agent.ErrInvalidSubscriptionPeriod, "unknown period %q", s)
	}
}

// Valid reports whether p is a known period.
func (p Period) Valid() bool { return p <= PeriodYearly }

// DefaultGrace returns the grace window applied when a subscription does not
// override max_delay.
func DefaultGrace(p Period) int64 {
	const day = 24 * 60 * 60
	switch p {
	case PeriodDaily:
		return 7 * day
	case PeriodWeekly:
		return 28 * day
	case PeriodMonthly, PeriodQuarterly:
		return 365 * day
	case PeriodYearly:
		return 730 * day
	default:
		return 0
	}
}

// Label returns the canonical period label for the timestamp: yyyymmdd for
// daily, yyyy"w"ww (ISO week) for weekly, yyyymm for monthly, yyyy"q"q for
// quarterly and yyyy for yearly.
func Label(ts int64, p Period) (string, error) {
	if !p.Valid() {
		return "", agent.Errorf(agent.ErrInvalidSubscriptionPeriod, "period %d", uint8(p))
	}
	t := time.Unix(ts, 0).UTC()
	switch p {
	case PeriodDaily:
		return fmt.Sprintf("%04d%02d%02d", t.Year(), int(t.Month()), t.Day()), nil
	case PeriodWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04dw%02d", year, week), nil
	case PeriodMonthly:
		return fmt.Sprintf("%04d%02d", t.Year(), int(t.Month())), nil
	case PeriodQuarterly:
		quarter := (int(t.Month())-1)/3 + 1
		return fmt.Sprintf("%04dq%d", t.Year(), quarter), nil
	default:
		return fmt.Sprintf("%04d", t.Year()), nil
	}
}

// IsBoundary reports whether ts is the first second of its period, i.e. the
// instant immediately preceding it carries a different label.
func IsBoundary(ts int64, p Period) (bool, error) {
	if ts == math.MinInt64 {
		return false, agent.Errorf(agent.ErrOverflow, "timestamp underflow")
	}
	cur, err := Label(ts, p)
	if err != nil {
		return false, err
	}
	prev, err := Label(ts-1, p)
	if err != nil {
		return false, err
	}
	return cur != prev, nil
}

// ValidateNext verifies that next is a period boundary exactly one period
// after current: next must open a new period and the instant before it must
// still belong to current's period.
func ValidateNext(current, next int64, p Period) error {
	boundary, err := IsBoundary(next, p)
	if err != nil {
		return err
	}
	if !boundary {
		return agent.Errorf(agent.ErrInvalidTimeframe, "next rebill %d is not a period boundary", next)
	}
	currentLabel, err := Label(current, p)
	if err != nil {
		return err
	}
	prevLabel, err := Label(next-1, p)
	if err != nil {
		return err
	}
	if prevLabel != currentLabel {
		return agent.Errorf(agent.ErrInvalidTimeframe, "next rebill %d does not directly follow period %s", next, currentLabel)
	}
	return nil
}

// Next computes the boundary one period after current. Current must itself be
// a boundary.
func Next(current int64, p Period) (int64, error) {
	boundary, err := IsBoundary(current, p)
	if err != nil {
		return 0, err
	}
	if !boundary {
		return 0, agent.Errorf(agent.ErrInvalidTimeframe, "timestamp %d is not a period boundary", current)
	}
	t := time.Unix(current, 0).UTC()
	switch p {
	case PeriodDaily:
		t = t.AddDate(0, 0, 1)
	case PeriodWeekly:
		t = t.AddDate(0, 0, 7)
	case PeriodMonthly:
		t = t.AddDate(0, 1, 0)
	case PeriodQuarterly:
		t = t.AddDate(0, 3, 0)
	case PeriodYearly:
		t = t.AddDate(1, 0, 0)
	default:
		return 0, agent.Errorf(agent.ErrInvalidSubscriptionPeriod, "period %d", uint8(p))
	}
	return t.Unix(), nil
}
