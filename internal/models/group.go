package models

import "time"

// DateGroup is a run of records sharing a local calendar date.
type DateGroup struct {
	Date    string   `json:"date"`
	Records []Record `json:"records"`
}

// GroupByDate splits an ordered slice into consecutive groups keyed by
// the calendar date of CreatedAt in loc. Display only: the input order
// is kept, so a reordered record can open a second group for a date.
func GroupByDate(records []Record, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.Local
	}

	var groups []DateGroup

	for _, r := range records {
		date := r.CreatedAt.In(loc).Format(time.DateOnly)
		if n := len(groups); n > 0 && groups[n-1].Date == date {
			groups[n-1].Records = append(groups[n-1].Records, r)
			continue
		}

		groups = append(groups, DateGroup{Date: date, Records: []Record{r}})
	}

	return groups
}
