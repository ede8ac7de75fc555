package message

import (
	"fmt"
	"time"
)

const usecPerSec = 1000000

// Timeval is a wall clock instant or a duration with microsecond resolution
type Timeval struct {
	Sec  int32 `json:"sec"`
	Usec int32 `json:"usec"`
}

// Now returns the current wall clock time
func Now() Timeval {
	return FromTime(time.Now())
}

// FromTime converts t to a Timeval
func FromTime(t time.Time) Timeval {
	return Timeval{Sec: int32(t.Unix()), Usec: int32(t.Nanosecond() / 1000)}
}

// FromDuration converts d to a Timeval
func FromDuration(d time.Duration) Timeval {
	return normalize(0, d.Microseconds())
}

// Sub returns t - o
func (t Timeval) Sub(o Timeval) Timeval {
	return normalize(int64(t.Sec)-int64(o.Sec), int64(t.Usec)-int64(o.Usec))
}

// Add returns t + o
func (t Timeval) Add(o Timeval) Timeval {
	return normalize(int64(t.Sec)+int64(o.Sec), int64(t.Usec)+int64(o.Usec))
}

// Duration interprets t as a duration
func (t Timeval) Duration() time.Duration {
	return time.Duration(t.Sec)*time.Second + time.Duration(t.Usec)*time.Microsecond
}

// Milliseconds interprets t as a duration in milliseconds
func (t Timeval) Milliseconds() float64 {
	return float64(t.Sec)*1000 + float64(t.Usec)/1000
}

// Time interprets t as a wall clock instant
func (t Timeval) Time() time.Time {
	return time.Unix(int64(t.Sec), int64(t.Usec)*1000)
}

// IsZero reports whether t is the zero value
func (t Timeval) IsZero() bool {
	return t.Sec == 0 && t.Usec == 0
}

func (t Timeval) String() string {
	return fmt.Sprintf("%d.%06d", t.Sec, t.Usec)
}

// normalize keeps 0 <= usec < 1e6 so that negative values borrow from sec
func normalize(sec, usec int64) Timeval {
	sec += usec / usecPerSec
	usec %= usecPerSec
	if usec < 0 {
		usec += usecPerSec
		sec--
	}
	return Timeval{Sec: int32(sec), Usec: int32(usec)}
}
