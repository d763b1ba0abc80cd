package gtfs

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	CalendarFile      = "calendar.txt"
	CalendarDatesFile = "calendar_dates.txt"

	dateLayout = "20060102"
)

var (
	weekdays       = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}
	calendarHeader = append(append([]string{"service_id"}, weekdays...), "start_date", "end_date")
)

// CalendarSummary reports what EnsureCalendar did to a feed
type CalendarSummary struct {
	Feed         string
	DateRows     int
	Services     int // services with at least one added date
	Appended     int
	Extended     int
	FlagsChanged int
	Written      bool
	Note         string
}

func (s CalendarSummary) String() string {
	switch {
	case s.Written:
		return fmt.Sprintf("%s: calendar.txt completed, appended=%d extended=%d flags_changed=%d",
			s.Feed, s.Appended, s.Extended, s.FlagsChanged)
	case s.Note != "":
		return fmt.Sprintf("%s: %s", s.Feed, s.Note)
	default:
		return fmt.Sprintf("%s: calendar.txt unchanged (services with added dates=%d)", s.Feed, s.Services)
	}
}

// EnsureCalendar makes calendar.txt cover every date calendar_dates.txt adds to a service
// (exception_type=1). Missing services are appended with weekday flags derived from their dates,
// existing ones get their validity range widened and their weekday flags OR-ed. A feed without
// calendar_dates.txt is left untouched.
func EnsureCalendar(feedDir string) (CalendarSummary, error) {
	summary := CalendarSummary{Feed: filepath.Base(feedDir)}

	added, order, rows, err := readAddedDates(filepath.Join(feedDir, CalendarDatesFile))
	summary.DateRows = rows
	if errors.Is(err, os.ErrNotExist) {
		summary.Note = "calendar_dates.txt absent, nothing to augment"
		return summary, nil
	} else if err != nil {
		return summary, fmt.Errorf("read calendar_dates.txt: %w", err)
	}
	summary.Services = len(order)
	if len(order) == 0 {
		summary.Note = fmt.Sprintf("no exception_type=1 in calendar_dates.txt (%d rows)", rows)
		return summary, nil
	}

	calPath := filepath.Join(feedDir, CalendarFile)
	existing := readCalendar(calPath)
	bySID := make(map[string]map[string]string, len(existing))
	for _, r := range existing {
		if _, ok := bySID[r["service_id"]]; !ok {
			bySID[r["service_id"]] = r
		}
	}

	changed := false
	for _, sid := range order {
		dates := added[sid]
		minD, maxD := dates[0], dates[0]
		for _, d := range dates[1:] {
			if d.Before(minD) {
				minD = d
			}
			if d.After(maxD) {
				maxD = d
			}
		}
		flags := weekdayFlags(dates)

		row, ok := bySID[sid]
		if !ok {
			row = map[string]string{
				"service_id": sid,
				"start_date": minD.Format(dateLayout),
				"end_date":   maxD.Format(dateLayout),
			}
			for i, day := range weekdays {
				row[day] = strconv.Itoa(flags[i])
			}
			existing = append(existing, row)
			bySID[sid] = row
			summary.Appended++
			changed = true
			continue
		}

		curStart, errStart := time.Parse(dateLayout, strings.TrimSpace(row["start_date"]))
		curEnd, errEnd := time.Parse(dateLayout, strings.TrimSpace(row["end_date"]))
		if errStart != nil || errEnd != nil {
			curStart, curEnd = minD, maxD
		}
		newStart, newEnd := curStart, curEnd
		if minD.Before(newStart) {
			newStart = minD
		}
		if maxD.After(newEnd) {
			newEnd = maxD
		}
		if !newStart.Equal(curStart) || !newEnd.Equal(curEnd) {
			row["start_date"] = newStart.Format(dateLayout)
			row["end_date"] = newEnd.Format(dateLayout)
			summary.Extended++
			changed = true
		}

		for i, day := range weekdays {
			cur, _ := strconv.Atoi(strings.TrimSpace(row[day]))
			next := 0
			if cur == 1 || flags[i] == 1 {
				next = 1
			}
			if next != cur {
				row[day] = strconv.Itoa(next)
				summary.FlagsChanged++
				changed = true
			}
		}
	}

	if !changed {
		return summary, nil
	}
	if err := writeCalendar(calPath, existing); err != nil {
		return summary, fmt.Errorf("write calendar.txt: %w", err)
	}
	summary.Written = true
	return summary, nil
}

// readAddedDates groups the exception_type=1 dates of calendar_dates.txt by service id. Malformed
// rows are skipped.
func readAddedDates(path string) (map[string][]time.Time, []string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	defer func() { _ = f.Close() }()

	r := newReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, 0, nil
	} else if err != nil {
		return nil, nil, 0, err
	}
	idx := columnIndex(header)

	added := map[string][]time.Time{}
	var order []string
	rows := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, nil, rows, err
		}
		rows++

		sid := field(rec, idx, "service_id")
		exc, excErr := strconv.Atoi(field(rec, idx, "exception_type"))
		date, dateErr := time.Parse(dateLayout, field(rec, idx, "date"))
		if sid == "" || excErr != nil || exc != 1 || dateErr != nil {
			continue
		}
		if _, ok := added[sid]; !ok {
			order = append(order, sid)
		}
		added[sid] = append(added[sid], date)
	}
	return added, order, rows, nil
}

// readCalendar returns the usable rows of calendar.txt. A file that cannot be read or lacks a
// required column counts as absent.
func readCalendar(path string) []map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	r := newReader(f)
	header, err := r.Read()
	if err != nil {
		return nil
	}
	idx := columnIndex(header)
	for _, col := range calendarHeader {
		if _, ok := idx[col]; !ok {
			return nil
		}
	}

	var rows []map[string]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil
		}
		row := make(map[string]string, len(calendarHeader))
		for _, col := range calendarHeader {
			row[col] = field(rec, idx, col)
		}
		if row["service_id"] == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func writeCalendar(path string, rows []map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(calendarHeader); err != nil {
		_ = f.Close()
		return err
	}
	for _, row := range rows {
		rec := make([]string, len(calendarHeader))
		for i, col := range calendarHeader {
			v := row[col]
			if v == "" && i >= 1 && i <= len(weekdays) {
				v = "0"
			}
			rec[i] = v
		}
		if err := w.Write(rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// weekdayFlags is the monday..sunday membership of dates
func weekdayFlags(dates []time.Time) [7]int {
	var flags [7]int
	for _, d := range dates {
		flags[(int(d.Weekday())+6)%7] = 1
	}
	return flags
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr
}

func columnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		idx[h] = i
	}
	return idx
}

func field(rec []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
