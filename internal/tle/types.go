package tle

import "time"

// Elements is one two-line element set for the tracked spacecraft.
type Elements struct {
	NORADID int       `json:"norad_id" msgpack:"norad_id"`
	Name    string    `json:"name" msgpack:"name"`
	Epoch   time.Time `json:"epoch" msgpack:"epoch"`
	Line1   string    `json:"line1" msgpack:"line1"`
	Line2   string    `json:"line2" msgpack:"line2"`
}

// Age returns how old the element set is at now.
func (e Elements) Age(now time.Time) time.Duration {
	return now.Sub(e.Epoch)
}
