package position

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// Position is a timestamped geographic coordinate report. It is a value type
// and is never modified after creation.
type Position struct {
	Lat       float64 `json:"lat" msgpack:"lat" bson:"lat"`
	Lng       float64 `json:"lng" msgpack:"lng" bson:"lng"`
	Timestamp int64   `json:"timestamp" msgpack:"timestamp" bson:"timestamp"`
}

// New returns a Position stamped with t.
func New(lat, lng float64, t time.Time) Position {
	return Position{Lat: lat, Lng: lng, Timestamp: t.UnixMilli()}
}

// Point returns the coordinate as an orb.Point (longitude first).
func (p Position) Point() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// Time returns the report time.
func (p Position) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

func (p Position) String() string {
	return fmt.Sprintf("(%.5f,%.5f)@%d", p.Lat, p.Lng, p.Timestamp)
}
