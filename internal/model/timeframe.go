package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeFrame is a bucket duration in seconds.
type TimeFrame int64

const (
	S15 TimeFrame = 15
	S30 TimeFrame = 30
	T01 TimeFrame = 60
	T03 TimeFrame = 180
	T05 TimeFrame = 300
	T15 TimeFrame = 900
	T30 TimeFrame = 1800
	H01 TimeFrame = 3600
	H04 TimeFrame = 14400
	H12 TimeFrame = 43200
	D01 TimeFrame = 86400
	W01 TimeFrame = 604800
)

var tfNames = map[TimeFrame]string{
	S15: "s15", S30: "s30", T01: "t01", T03: "t03", T05: "t05", T15: "t15",
	T30: "t30", H01: "h01", H04: "h04", H12: "h12", D01: "d01", W01: "w01",
}

func (tf TimeFrame) String() string {
	if n, ok := tfNames[tf]; ok {
		return n
	}
	return strconv.FormatInt(int64(tf), 10) + "s"
}

// Duration returns the bucket length.
func (tf TimeFrame) Duration() time.Duration {
	return time.Duration(tf) * time.Second
}

// Seconds returns the bucket length in seconds.
func (tf TimeFrame) Seconds() int64 { return int64(tf) }

// Truncate floors t to the bucket grid aligned on the Unix epoch.
// time.Time.Truncate aligns on year 1 instead, which disagrees for weeks.
func (tf TimeFrame) Truncate(t time.Time) time.Time {
	us := t.UnixMicro()
	step := int64(tf) * 1_000_000
	m := us % step
	if m < 0 {
		m += step
	}
	return time.UnixMicro(us - m).UTC()
}

// Next returns the start of the bucket after the one containing t.
func (tf TimeFrame) Next(t time.Time) time.Time {
	return tf.Truncate(t).Add(tf.Duration())
}

// Divides reports whether tf evenly divides other.
func (tf TimeFrame) Divides(other TimeFrame) bool {
	return tf > 0 && other%tf == 0
}

// MarshalText implements encoding.TextMarshaler.
func (tf TimeFrame) MarshalText() ([]byte, error) { return []byte(tf.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (tf *TimeFrame) UnmarshalText(b []byte) error {
	v, err := ParseTimeFrame(string(b))
	if err != nil {
		return err
	}
	*tf = v
	return nil
}

// ParseTimeFrame accepts names ("t15"), Go durations ("15m") or seconds ("900").
func ParseTimeFrame(s string) (TimeFrame, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for tf, name := range tfNames {
		if name == s {
			return tf, nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("model: timeframe must be positive: %q", s)
		}
		return TimeFrame(n), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("model: invalid timeframe %q", s)
	}
	if d < time.Second || d%time.Second != 0 {
		return 0, fmt.Errorf("model: timeframe must be whole seconds: %q", s)
	}
	return TimeFrame(d / time.Second), nil
}
