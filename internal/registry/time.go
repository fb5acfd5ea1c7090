package registry

import (
	"strconv"
	"time"
)

// jsonTime stores a timestamp as unix milliseconds so pid files stay small
// and are easy to read from shell scripts.
type jsonTime time.Time

func (t jsonTime) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(tt.UnixMilli(), 10)), nil
}

func (t *jsonTime) UnmarshalJSON(b []byte) error {
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		// accept RFC 3339 strings as well
		var tt time.Time
		if err2 := tt.UnmarshalJSON(b); err2 != nil {
			return err
		}
		*t = jsonTime(tt)
		return nil
	}
	if ms == 0 {
		*t = jsonTime(time.Time{})
		return nil
	}
	*t = jsonTime(time.UnixMilli(ms))
	return nil
}

func (t jsonTime) Time() time.Time { return time.Time(t) }
