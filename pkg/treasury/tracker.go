package treasury

// Fixed-width tracker windows in milliseconds. They are not calendar aligned.
const (
	DayMs   int64 = 86_400_000
	WeekMs  int64 = 604_800_000
	MonthMs int64 = 2_592_000_000
)

// SpendingTracker keeps rolling spend counters per category and globally.
//
// Only the global counters are reset on window rollover. Category tables
// accumulate for the lifetime of the treasury; CategoryWeekly and
// CategoryMonthly are never written.
type SpendingTracker struct {
	CategoryDaily   map[string]uint64 `json:"category_daily"`
	CategoryWeekly  map[string]uint64 `json:"category_weekly"`
	CategoryMonthly map[string]uint64 `json:"category_monthly"`

	GlobalDaily   uint64 `json:"global_daily"`
	GlobalWeekly  uint64 `json:"global_weekly"`
	GlobalMonthly uint64 `json:"global_monthly"`

	LastDay   int64 `json:"last_day"`
	LastWeek  int64 `json:"last_week"`
	LastMonth int64 `json:"last_month"`
}

// NewSpendingTracker returns a tracker anchored to the windows containing now.
func NewSpendingTracker(now int64) SpendingTracker {
	return SpendingTracker{
		CategoryDaily:   make(map[string]uint64),
		CategoryWeekly:  make(map[string]uint64),
		CategoryMonthly: make(map[string]uint64),
		LastDay:         now / DayMs,
		LastWeek:        now / WeekMs,
		LastMonth:       now / MonthMs,
	}
}

// ResetIfElapsed zeroes each global counter whose window index advanced past
// the stored one. Windows are evaluated independently.
func (s *SpendingTracker) ResetIfElapsed(now int64) {
	if day := now / DayMs; day > s.LastDay {
		s.GlobalDaily = 0
		s.LastDay = day
	}
	if week := now / WeekMs; week > s.LastWeek {
		s.GlobalWeekly = 0
		s.LastWeek = week
	}
	if month := now / MonthMs; month > s.LastMonth {
		s.GlobalMonthly = 0
		s.LastMonth = month
	}
}

// RecordSpend adds amount to the category daily table and to all global
// counters. It does not reset; call ResetIfElapsed first.
func (s *SpendingTracker) RecordSpend(category string, amount uint64) {
	if s.CategoryDaily == nil {
		s.CategoryDaily = make(map[string]uint64)
	}
	s.CategoryDaily[category] += amount
	s.GlobalDaily += amount
	s.GlobalWeekly += amount
	s.GlobalMonthly += amount
}

// DailySpent returns the accumulated daily-table spend of category.
func (s *SpendingTracker) DailySpent(category string) uint64 {
	return s.CategoryDaily[category]
}

func (s SpendingTracker) clone() SpendingTracker {
	s.CategoryDaily = cloneAmounts(s.CategoryDaily)
	s.CategoryWeekly = cloneAmounts(s.CategoryWeekly)
	s.CategoryMonthly = cloneAmounts(s.CategoryMonthly)
	return s
}

func cloneAmounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
