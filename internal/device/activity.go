package device

import "time"

// sessionGap is the idle time after which activity counts as a new session.
const sessionGap = 30 * time.Minute

// sessionEMAAlpha weights the newest session length in the running average.
const sessionEMAAlpha = 0.3

// RecordActivity updates the activity and submission-pattern profiles for a
// request observed at now. submission marks whether the request carried a
// report submission (and therefore feeds the temporal histograms).
func (d *Device) RecordActivity(now time.Time, submission bool) {
	if d.LastSeen.IsZero() || now.Sub(d.LastSeen) > sessionGap {
		d.Sessions++
	} else {
		// Still inside a session: fold its running length into the EMA.
		minutes := now.Sub(d.LastSeen).Minutes()
		if d.Behavior.AvgSessionMinutes == 0 {
			d.Behavior.AvgSessionMinutes = minutes
		} else {
			d.Behavior.AvgSessionMinutes = sessionEMAAlpha*minutes +
				(1-sessionEMAAlpha)*d.Behavior.AvgSessionMinutes
		}
	}
	d.LastSeen = now

	if submission {
		d.Submissions.Hourly[now.Hour()]++
		d.Submissions.Daily[int(now.Weekday())]++
		d.Submissions.Total++
		d.recomputeSubmissionPattern()
	}

	ageDays := now.Sub(d.CreatedAt).Hours() / 24
	if ageDays >= 1 {
		d.Behavior.ReportsPerDay = float64(d.Submissions.Total) / ageDays
	} else {
		d.Behavior.ReportsPerDay = float64(d.Submissions.Total)
	}
}

// recomputeSubmissionPattern rebuilds peak hours and the suspicious-time
// flag. An account funneling >20 submissions through at most two peak hours
// looks scripted.
func (d *Device) recomputeSubmissionPattern() {
	max := 0
	for _, n := range d.Submissions.Hourly {
		if n > max {
			max = n
		}
	}
	peaks := d.Submissions.PeakHours[:0]
	if max > 0 {
		threshold := (max * 6) / 10 // hours within 60% of the busiest hour
		if threshold == 0 {
			threshold = 1
		}
		for h, n := range d.Submissions.Hourly {
			if n >= threshold && n > 0 {
				peaks = append(peaks, h)
			}
		}
	}
	d.Submissions.PeakHours = peaks
	d.Submissions.SuspiciousTimePattern = len(peaks) <= 2 && d.Submissions.Total > 20
}

// AddValidationRecord logs a community validation given by this device,
// newest first, and trims past the cap.
func (d *Device) AddValidationRecord(rec ValidationRecord) {
	d.Security.ValidationLog = append([]ValidationRecord{rec}, d.Security.ValidationLog...)
	d.TrimValidationHistory()
	d.Security.Validation.Given++
}

// TrimValidationHistory enforces the validation-log cap, newest-first.
func (d *Device) TrimValidationHistory() {
	if len(d.Security.ValidationLog) > ValidationLogCap {
		d.Security.ValidationLog = d.Security.ValidationLog[:ValidationLogCap]
	}
}

// HasValidated reports whether this device already validated the report.
func (d *Device) HasValidated(reportID string) bool {
	for _, rec := range d.Security.ValidationLog {
		if rec.ReportID == reportID {
			return true
		}
	}
	return false
}

// RecordLocation updates the location profile with a new observation and
// tracks implausible jumps (handled in detail by deep analysis).
func (d *Device) RecordLocation(p GeoPoint, withinBangladesh bool) {
	if d.Location.LastKnown != nil {
		// A hop over ~100 km between consecutive observations counts as a jump.
		if HaversineMeters(d.Location.LastKnown.Lng, d.Location.LastKnown.Lat, p.Lng, p.Lat) > 100_000 {
			d.Location.LocationJumps++
		}
	}
	d.Location.LastKnown = &p
	d.Location.GPSAccuracyM = p.AccuracyM
	d.Location.History = append([]GeoPoint{p}, d.Location.History...)
	if len(d.Location.History) > LocationHistoryCap {
		d.Location.History = d.Location.History[:LocationHistoryCap]
	}
	if !withinBangladesh {
		d.Location.CrossBorderActivity = true
	}
}
