package models

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Own-Data-Privateer/hoardy-mail/internal/wire"
)

const dayNs = 86400 * int64(time.Second)

// FilterSpec is the in-memory message filter, composed by AND. All fields
// are optional; an empty spec renders as `(ALL)`.
type FilterSpec struct {
	// Seen and Flagged are tri-valued: nil means don't care.
	Seen    *bool
	Flagged *bool

	From    []string
	NotFrom []string

	OlderThanDays        []int
	NewerThanDays        []int
	OlderThanTimestampIn []string
	NewerThanTimestampIn []string
	OlderThanMtimeOf     []string
	NewerThanMtimeOf     []string
}

// Dynamic reports whether the rendered expression depends on wall-clock
// time; under polling such filters are re-rendered each cycle.
func (f *FilterSpec) Dynamic() bool {
	return len(f.OlderThanDays) > 0 || len(f.NewerThanDays) > 0 ||
		len(f.OlderThanTimestampIn) > 0 || len(f.NewerThanTimestampIn) > 0 ||
		len(f.OlderThanMtimeOf) > 0 || len(f.NewerThanMtimeOf) > 0
}

// Render translates the spec into a single parenthesised IMAP SEARCH
// expression against the cycle's wall-clock instant, in a fixed term order:
// SEEN/UNSEEN, FLAGGED/UNFLAGGED, FROM includes, NOT FROM excludes, BEFORE
// the earliest older-than instant, NOT BEFORE the latest newer-than instant.
func (f *FilterSpec) Render(now time.Time) (string, error) {
	var terms []string

	if f.Seen != nil {
		if *f.Seen {
			terms = append(terms, "SEEN")
		} else {
			terms = append(terms, "UNSEEN")
		}
	}

	if f.Flagged != nil {
		if *f.Flagged {
			terms = append(terms, "FLAGGED")
		} else {
			terms = append(terms, "UNFLAGGED")
		}
	}

	for _, s := range f.From {
		terms = append(terms, "FROM "+wire.Quote(s))
	}
	for _, s := range f.NotFrom {
		terms = append(terms, "NOT FROM "+wire.Quote(s))
	}

	nowNs := now.UnixNano()

	olderThan, err := f.instants(nowNs, f.OlderThanDays, f.OlderThanTimestampIn, f.OlderThanMtimeOf)
	if err != nil {
		return "", err
	}
	if len(olderThan) > 0 {
		min := olderThan[0]
		for _, v := range olderThan[1:] {
			if v < min {
				min = v
			}
		}
		terms = append(terms, "BEFORE "+wire.FormatDate(time.Unix(0, min).UTC()))
	}

	newerThan, err := f.instants(nowNs, f.NewerThanDays, f.NewerThanTimestampIn, f.NewerThanMtimeOf)
	if err != nil {
		return "", err
	}
	if len(newerThan) > 0 {
		max := newerThan[0]
		for _, v := range newerThan[1:] {
			if v > max {
				max = v
			}
		}
		terms = append(terms, "NOT BEFORE "+wire.FormatDate(time.Unix(0, max).UTC()))
	}

	if len(terms) == 0 {
		return "(ALL)", nil
	}
	return "(" + strings.Join(terms, " ") + ")", nil
}

func (f *FilterSpec) instants(nowNs int64, days []int, timestampIn, mtimeOf []string) ([]int64, error) {
	var res []int64
	for _, d := range days {
		res = append(res, nowNs-int64(d)*dayNs)
	}
	for _, path := range timestampIn {
		ns, err := readTimestampNs(expandHome(path))
		if err != nil {
			return nil, err
		}
		res = append(res, ns)
	}
	for _, path := range mtimeOf {
		fi, err := os.Stat(expandHome(path))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat %s", path)
		}
		res = append(res, fi.ModTime().UnixNano())
	}
	return res, nil
}

// readTimestampNs reads a decimal seconds-since-epoch timestamp from the
// first line of path, preserving all nine fractional digits.
func readTimestampNs(path string) (int64, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open %s", path)
	}
	defer fh.Close()

	line, err := bufio.NewReader(fh).ReadString('\n')
	if err != nil && line == "" {
		return 0, errors.Wrapf(err, "failed to read a timestamp from the first line of %s", path)
	}
	ns, perr := parseTimestampNs(strings.TrimSpace(line))
	if perr != nil {
		return 0, errors.Wrapf(perr, "failed to decode a timestamp from the first line of %s", path)
	}
	return ns, nil
}

func parseTimestampNs(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty timestamp")
	}
	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	if len(frac) > 9 {
		frac = frac[:9]
	}
	for len(frac) < 9 {
		frac += "0"
	}
	fracNs, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	ns := sec*int64(time.Second) + fracNs
	if neg {
		ns = -ns
	}
	return ns, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
