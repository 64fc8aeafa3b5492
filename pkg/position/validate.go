package position

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// report is the decoded form of a client submission. Pointer fields
// distinguish an absent value from a zero one.
type report struct {
	Lat       *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng       *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
	Timestamp *int64   `json:"timestamp" validate:"required,gt=0"`
}

// Validate checks coordinate ranges and timestamp presence. A zero timestamp
// counts as missing.
func Validate(p Position) error {
	_, err := p.report().position()
	return err
}

func (p Position) report() report {
	r := report{Lat: &p.Lat, Lng: &p.Lng}
	if p.Timestamp != 0 {
		r.Timestamp = &p.Timestamp
	}
	return r
}

func (r report) position() (Position, error) {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return Position{}, Reject(ReasonMalformed, "%v", err)
		}
		// Timestamp problems win so a coordinate-less, time-less report is
		// reported the same way regardless of field order.
		for _, fe := range verrs {
			if fe.StructField() == "Timestamp" {
				return Position{}, Reject(ReasonMissingTimestamp, "timestamp failed %q", fe.Tag())
			}
		}
		fe := verrs[0]
		return Position{}, Reject(ReasonInvalidCoordinate, "%s failed %q %s", lowerField(fe.StructField()), fe.Tag(), fe.Param())
	}
	return Position{Lat: *r.Lat, Lng: *r.Lng, Timestamp: *r.Timestamp}, nil
}

func lowerField(name string) string {
	switch name {
	case "Lat":
		return "lat"
	case "Lng":
		return "lng"
	}
	return name
}
