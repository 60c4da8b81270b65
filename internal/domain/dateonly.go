package domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// DateOnly is a time.Time that serializes as "YYYY-MM-DD" with no timezone
// component. Effective dates are calendar dates; round-tripping them through
// JSON or Postgres must never shift the day.
type DateOnly time.Time

// Today returns the current date in UTC.
func Today() DateOnly {
	y, m, d := time.Now().UTC().Date()
	return DateOnly(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// NewDateOnly truncates t to its calendar date in UTC.
func NewDateOnly(t time.Time) DateOnly {
	y, m, d := t.UTC().Date()
	return DateOnly(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// ParseDateOnly parses "YYYY-MM-DD".
func ParseDateOnly(s string) (DateOnly, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return DateOnly{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOnly(t), nil
}

// Time returns the underlying time.Time (midnight UTC).
func (d DateOnly) Time() time.Time {
	return time.Time(d)
}

// String returns the date in "YYYY-MM-DD" form.
func (d DateOnly) String() string {
	return time.Time(d).Format("2006-01-02")
}

// IsZero reports whether the date is unset.
func (d DateOnly) IsZero() bool {
	return time.Time(d).IsZero()
}

// Before reports whether d is an earlier calendar date than other.
func (d DateOnly) Before(other DateOnly) bool {
	return time.Time(d).Before(time.Time(other))
}

// After reports whether d is a later calendar date than other.
func (d DateOnly) After(other DateOnly) bool {
	return time.Time(d).After(time.Time(other))
}

// MarshalJSON serializes to "YYYY-MM-DD".
func (d DateOnly) MarshalJSON() ([]byte, error) {
	if time.Time(d).IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON deserializes "YYYY-MM-DD", with a full-timestamp fallback.
func (d *DateOnly) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = DateOnly{}
		return nil
	}
	t, err := time.Parse(`"2006-01-02"`, string(data))
	if err != nil {
		t, err = time.Parse(`"`+time.RFC3339+`"`, string(data))
		if err != nil {
			return fmt.Errorf("parse date-only %s: %w", data, err)
		}
	}
	*d = NewDateOnly(t)
	return nil
}

// Scan implements sql.Scanner.
func (d *DateOnly) Scan(value interface{}) error {
	if value == nil {
		*d = DateOnly{}
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		*d = NewDateOnly(v)
		return nil
	case string:
		parsed, err := ParseDateOnly(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into DateOnly", value)
	}
}

// Value implements driver.Valuer; dates are stored as the string form so the
// driver never applies a session timezone.
func (d DateOnly) Value() (driver.Value, error) {
	if time.Time(d).IsZero() {
		return nil, nil
	}
	return d.String(), nil
}
