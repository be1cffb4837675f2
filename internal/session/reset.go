package session

import "time"

// resetDateLayout is the stored form of the last weekly reset date.
const resetDateLayout = "2006-01-02"

// ShouldResetForMonday decides whether the weekly reset is due. It returns
// the date string of this week's Monday (local midnight) when (a) today is
// itself Monday and (b) no reset has been recorded on or after that Monday.
// Resets never fire retroactively mid-week: a missed Monday stays missed so
// progress made later in the week is not wiped after the fact.
func ShouldResetForMonday(lastResetDate string, now time.Time) (string, bool) {
	if now.Weekday() != time.Monday {
		return "", false
	}

	monday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if lastResetDate != "" {
		last, err := time.ParseInLocation(resetDateLayout, lastResetDate, now.Location())
		if err == nil && !last.Before(monday) {
			// Already reset since this Monday.
			return "", false
		}
	}
	return monday.Format(resetDateLayout), true
}
