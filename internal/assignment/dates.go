package assignment

import "time"

// dateString renders t as a YYYY-MM-DD string in the named IANA zone, for
// the day-rollover comparison of spec §4.E.1 step 4. An empty or unknown
// zone falls back to UTC (spec §9 open-question decision, recorded in
// SPEC_FULL.md §5: the teacher's domain never carries a campaign-level
// timezone, so there is no precedent to follow beyond "default to UTC when
// unspecified").
func dateString(t time.Time, zone string) string {
	loc := time.UTC
	if zone != "" {
		if l, err := time.LoadLocation(zone); err == nil {
			loc = l
		}
	}
	return t.In(loc).Format("2006-01-02")
}
