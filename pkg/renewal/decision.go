package renewal

import (
	"errors"
	"fmt"
	"time"

	"github.com/harun/loanrenew/pkg/library"
)

// DueDateLayout is the backend's due-date format. It carries no zone.
const DueDateLayout = "2006-01-02T15:04:05"

// ErrMissingDueDate is returned for a loan without a due date string
var ErrMissingDueDate = errors.New("loan has no due date")

// ParseDueDate reads a due date in loc.
func ParseDueDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(DueDateLayout, s, loc)
}

// DueForRenewal returns how many loans are due at now: due date <= now.
// Every record is parsed before deciding, so one bad date fails the check
// even if another loan is overdue.
//
// A single due loan is enough to renew the whole batch.
func DueForRenewal(records []library.LoanRecord, now time.Time, loc *time.Location) (int, error) {
	dates := make([]time.Time, 0, len(records))
	for _, rec := range records {
		if !rec.HasDueDate {
			return 0, fmt.Errorf("loan %d: %w", rec.Index, ErrMissingDueDate)
		}
		due, err := ParseDueDate(rec.DueDate, loc)
		if err != nil {
			return 0, fmt.Errorf("loan %d: %w", rec.Index, err)
		}
		dates = append(dates, due)
	}

	count := 0
	for _, due := range dates {
		if !due.After(now) {
			count++
		}
	}
	return count, nil
}
