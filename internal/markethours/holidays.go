package markethours

// US equity market holidays for 2026 (full-day closures).
var usHolidays2026 = []string{
	"2026-01-01", // New Year's Day
	"2026-01-19", // Martin Luther King Jr. Day
	"2026-02-16", // Washington's Birthday
	"2026-04-03", // Good Friday
	"2026-05-25", // Memorial Day
	"2026-06-19", // Juneteenth
	"2026-07-03", // Independence Day (observed)
	"2026-09-07", // Labor Day
	"2026-11-26", // Thanksgiving
	"2026-12-25", // Christmas
}

func defaultHolidays() map[string]bool {
	m := make(map[string]bool, len(usHolidays2026))
	for _, d := range usHolidays2026 {
		m[d] = true
	}
	return m
}
