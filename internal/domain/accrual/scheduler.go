package accrual

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"lending-engine/internal/domain/loan"
	"lending-engine/internal/pkg/apperrors"
)

// Period is one accrual posting unit: interest accrues on Principal over
// [Start, End], both dates inclusive.
type Period struct {
	Start     time.Time
	End       time.Time
	Principal decimal.Decimal
}

// SchedulePeriods groups the periods computed against one repayment
// schedule. ScheduleID is zero for demand (non-term) loans.
type SchedulePeriods struct {
	ScheduleID     int64
	DisbursementID int64
	Periods        []Period
}

// ComputePeriods determines the date ranges requiring a separate accrual
// posting between lastAccrual (first day not yet accrued) and postingDate.
// The result is deterministic for fixed inputs: contiguous, non-overlapping
// periods exactly covering the window, which is what makes repost replay
// reproducible.
func ComputePeriods(l *loan.Loan, schedules []*loan.RepaymentSchedule, lastAccrual, postingDate time.Time) ([]SchedulePeriods, error) {
	postingDate = l.CapToFreeze(postingDate)
	if !l.TermType.IsTermLoan() {
		if postingDate.Before(lastAccrual) {
			return nil, nil
		}
		return []SchedulePeriods{{
			Periods: []Period{{Start: lastAccrual, End: postingDate, Principal: l.PendingPrincipal()}},
		}}, nil
	}

	var out []SchedulePeriods
	for _, sched := range schedules {
		if sched.Status != loan.ScheduleActive {
			continue
		}
		windowEnd := postingDate
		maturityEve := sched.MaturityDate.AddDate(0, 0, -1)
		if maturityEve.Before(windowEnd) {
			windowEnd = maturityEve
		}
		if windowEnd.Before(lastAccrual) {
			continue
		}

		breaks := collectBreaks(sched, l.AccrualFrequency, lastAccrual, windowEnd)
		periods := buildPeriods(sched, lastAccrual, breaks)
		if err := checkContiguous(l.ID, lastAccrual, windowEnd, periods); err != nil {
			return nil, err
		}

		var disbID int64
		if sched.DisbursementID != nil {
			disbID = *sched.DisbursementID
		}
		out = append(out, SchedulePeriods{ScheduleID: sched.ID, DisbursementID: disbID, Periods: periods})
	}
	return out, nil
}

// collectBreaks gathers the period end dates inside [start, end]: each
// installment's payment date minus one, each accrual frequency boundary
// minus one (so a fresh period begins exactly on the boundary), and the
// window end itself.
func collectBreaks(sched *loan.RepaymentSchedule, freq loan.AccrualFrequency, start, end time.Time) []time.Time {
	seen := map[time.Time]bool{}
	var breaks []time.Time
	add := func(d time.Time) {
		d = truncateDay(d)
		if d.Before(start) || d.After(end) || seen[d] {
			return
		}
		seen[d] = true
		breaks = append(breaks, d)
	}

	for _, inst := range sched.Installments {
		add(inst.PaymentDate.AddDate(0, 0, -1))
	}
	for _, boundary := range frequencyBoundaries(freq, start, end) {
		add(boundary.AddDate(0, 0, -1))
	}
	add(end)

	sort.Slice(breaks, func(i, j int) bool { return breaks[i].Before(breaks[j]) })
	return breaks
}

func buildPeriods(sched *loan.RepaymentSchedule, start time.Time, breaks []time.Time) []Period {
	var periods []Period
	periodStart := truncateDay(start)
	for _, b := range breaks {
		periods = append(periods, Period{
			Start:     periodStart,
			End:       b,
			Principal: sched.PrincipalInEffectAt(periodStart),
		})
		periodStart = b.AddDate(0, 0, 1)
	}
	return periods
}

// frequencyBoundaries returns the dates on which a new accrual period must
// begin: every day for daily, each week start (Monday) stepping seven days
// for weekly, each first of month for monthly.
func frequencyBoundaries(freq loan.AccrualFrequency, start, end time.Time) []time.Time {
	var boundaries []time.Time
	var current time.Time
	switch freq {
	case loan.FrequencyDaily:
		current = truncateDay(start).AddDate(0, 0, 1)
	case loan.FrequencyWeekly:
		current = firstDayOfWeek(start).AddDate(0, 0, 7)
	case loan.FrequencyMonthly:
		current = firstDayOfMonth(start).AddDate(0, 1, 0)
	default:
		return nil
	}

	for !current.After(end) {
		boundaries = append(boundaries, current)
		switch freq {
		case loan.FrequencyDaily:
			current = current.AddDate(0, 0, 1)
		case loan.FrequencyWeekly:
			current = current.AddDate(0, 0, 7)
		case loan.FrequencyMonthly:
			current = current.AddDate(0, 1, 0)
		}
	}
	return boundaries
}

func checkContiguous(loanID int64, start, end time.Time, periods []Period) error {
	expected := truncateDay(start)
	for _, p := range periods {
		if !p.Start.Equal(expected) {
			return apperrors.NewConsistencyError(loanID, "accrual scheduling",
				fmt.Sprintf("period starting %s leaves a gap from %s",
					p.Start.Format("2006-01-02"), expected.Format("2006-01-02")))
		}
		if p.End.Before(p.Start) {
			return apperrors.NewConsistencyError(loanID, "accrual scheduling",
				fmt.Sprintf("inverted period %s..%s", p.Start.Format("2006-01-02"), p.End.Format("2006-01-02")))
		}
		expected = p.End.AddDate(0, 0, 1)
	}
	if len(periods) > 0 && !periods[len(periods)-1].End.Equal(truncateDay(end)) {
		return apperrors.NewConsistencyError(loanID, "accrual scheduling",
			"periods do not cover the requested window")
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// firstDayOfWeek returns the Monday on or before t.
func firstDayOfWeek(t time.Time) time.Time {
	t = truncateDay(t)
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

func firstDayOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
