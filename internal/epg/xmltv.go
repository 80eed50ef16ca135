package epg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const xmltvLayout = "20060102150405"

// ErrInvalidTime is returned for XMLTV timestamps that cannot be parsed.
var ErrInvalidTime = errors.New("invalid XMLTV timestamp")

// ParseTime parses an XMLTV timestamp "YYYYMMDDHHMMSS[ ±HHMM]".
//
// The offset suffix is ignored unless honorOffset is set, in which case the
// wall-clock value is shifted to UTC by the offset.
func ParseTime(value string, honorOffset bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if len(value) < len(xmltvLayout) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, value)
	}

	t, err := time.ParseInLocation(xmltvLayout, value[:len(xmltvLayout)], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, value)
	}

	if !honorOffset {
		return t, nil
	}

	offset, ok := parseOffset(strings.TrimSpace(value[len(xmltvLayout):]))
	if !ok {
		return t, nil
	}

	return t.Add(-offset), nil
}

// parseOffset parses "+HHMM" / "-HHMM".
func parseOffset(s string) (time.Duration, bool) {
	if len(s) != 5 || (s[0] != '+' && s[0] != '-') {
		return 0, false
	}

	hours, err := strconv.Atoi(s[1:3])
	if err != nil {
		return 0, false
	}

	minutes, err := strconv.Atoi(s[3:5])
	if err != nil || minutes > 59 {
		return 0, false
	}

	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	if s[0] == '-' {
		d = -d
	}

	return d, true
}

var namedEntities = map[string]string{
	"amp":  "&",
	"lt":   "<",
	"gt":   ">",
	"quot": `"`,
	"apos": "'",
}

// maxEntityLen is the longest reference we try to decode, "&#x10FFFF;".
const maxEntityLen = 10

// DecodeEntities decodes the XML predefined entities and numeric character
// references. Unknown references are left untouched.
func DecodeEntities(s string) string {
	amp := strings.IndexByte(s, '&')
	if amp < 0 {
		return s
	}

	var sb strings.Builder

	sb.Grow(len(s))

	for amp >= 0 {
		sb.WriteString(s[:amp])
		s = s[amp:]

		semi := strings.IndexByte(s, ';')
		if semi < 0 || semi > maxEntityLen {
			sb.WriteByte('&')
			s = s[1:]
		} else if decoded, ok := decodeReference(s[1:semi]); ok {
			sb.WriteString(decoded)
			s = s[semi+1:]
		} else {
			sb.WriteByte('&')
			s = s[1:]
		}

		amp = strings.IndexByte(s, '&')
	}

	sb.WriteString(s)

	return sb.String()
}

func decodeReference(ref string) (string, bool) {
	if v, ok := namedEntities[ref]; ok {
		return v, true
	}

	if len(ref) < 2 || ref[0] != '#' {
		return "", false
	}

	var (
		code int64
		err  error
	)

	if ref[1] == 'x' || ref[1] == 'X' {
		code, err = strconv.ParseInt(ref[2:], 16, 32)
	} else {
		code, err = strconv.ParseInt(ref[1:], 10, 32)
	}

	if err != nil || code <= 0 || code > 0x10FFFF {
		return "", false
	}

	return string(rune(code)), true
}
