package rfc7234

import (
	"strconv"
	"time"
)

// HTTP-date layouts accepted when parsing, in order of preference.
// Generation always uses the IMF-fixdate form.
var dateLayouts = []string{
	"Mon, 02 Jan 2006 15:04:05 GMT", // IMF-fixdate
	time.RFC850,                     // obsolete RFC 850
	time.ANSIC,                      // obsolete asctime()
	"Mon, 02 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04:05 GMT",
}

// HttpDate parses an HTTP-date string in any of the allowed formats.
func HttpDate(dateStr string) (time.Time, error) {
	var err error
	var date time.Time
	for _, layout := range dateLayouts {
		if date, err = time.Parse(layout, dateStr); err == nil {
			return date, nil
		}
	}
	return time.Time{}, err
}

// FormatHttpDate renders t as an IMF-fixdate string.
func FormatHttpDate(t time.Time) string {
	return t.UTC().Format(dateLayouts[0])
}

// deltaSeconds parses a non-negative integer number of seconds.
// Overflowing or invalid values report false so the caller can treat the
// directive as absent rather than as a huge or negative lifetime.
func deltaSeconds(secondsStr string) (time.Duration, bool) {
	seconds, err := strconv.ParseInt(secondsStr, 10, 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	if seconds > int64(1<<63-1)/int64(time.Second) {
		seconds = int64(1<<63-1) / int64(time.Second)
	}
	return time.Duration(seconds) * time.Second, true
}
