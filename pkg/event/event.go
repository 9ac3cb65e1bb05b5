package event

import (
	"errors"
	"fmt"
	"strings"
)

// Direction selects which side of a drug/reaction pair a lookup is keyed on.
type Direction string

const (
	ByDrug     Direction = "drug"
	ByReaction Direction = "reaction"
)

var (
	// ErrNotFound means upstream has no data for the entity.
	ErrNotFound = errors.New("not found")
	// ErrMalformedPayload means the payload decoded but lacked the expected keys.
	// It is reported as a not-found condition.
	ErrMalformedPayload = fmt.Errorf("malformed payload: %w", ErrNotFound)
)

// ParseDirection accepts "drug", "drugs", "reaction" or "reactions".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drug", "drugs":
		return ByDrug, nil
	case "reaction", "reactions":
		return ByReaction, nil
	}
	return "", fmt.Errorf("unknown direction %q (want drug or reaction)", s)
}

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == ByDrug || d == ByReaction
}

// Opposite returns the direction of the attribute side.
func (d Direction) Opposite() Direction {
	if d == ByDrug {
		return ByReaction
	}
	return ByDrug
}

// Plural returns "drugs" or "reactions".
func (d Direction) Plural() string {
	return string(d) + "s"
}

// Observation is one drug/reaction pairing seen on one adverse-event report.
type Observation struct {
	ReportID string  `json:"report_id" db:"report_id"`
	Drug     string  `json:"drug" db:"drug"`
	Reaction string  `json:"reaction" db:"reaction"`
	Age      float64 `json:"age" db:"age"`
	Gender   string  `json:"gender" db:"gender"`
}

// Subject returns the field the observation is indexed by for dir.
func (o Observation) Subject(dir Direction) string {
	if dir == ByReaction {
		return o.Reaction
	}
	return o.Drug
}

// Attribute returns the field opposite to the subject for dir.
func (o Observation) Attribute(dir Direction) string {
	if dir == ByReaction {
		return o.Drug
	}
	return o.Reaction
}

// SummaryCount is how many times Attribute was reported against Subject.
// Rank is the zero-based position in the upstream ranking.
type SummaryCount struct {
	Subject   string `json:"subject" db:"subject"`
	Attribute string `json:"attribute" db:"attribute"`
	Count     int    `json:"count" db:"count"`
	Rank      int    `json:"rank" db:"rank"`
}

// GenderCount is the number of distinct reports per patient sex code.
type GenderCount struct {
	Gender  string `json:"gender" db:"gender"`
	Reports int    `json:"reports" db:"reports"`
}

// Label returns the human name of the gender code.
func (g GenderCount) Label() string {
	return GenderLabel(g.Gender)
}

// AgeBand is the number of distinct reports whose patient age falls in
// [Lower, Lower+10). Lower is -1 for reports without a usable age.
type AgeBand struct {
	Lower   int `json:"lower" db:"band"`
	Reports int `json:"reports" db:"reports"`
}

// Label renders the band as "30-39" or "unknown".
func (a AgeBand) Label() string {
	if a.Lower < 0 {
		return "unknown"
	}
	return fmt.Sprintf("%d-%d", a.Lower, a.Lower+9)
}

// Gender codes used by the openFDA patientsex field.
const (
	GenderUnknown = "0"
	GenderMale    = "1"
	GenderFemale  = "2"
)

// GenderLabel maps an openFDA patientsex code to a label.
func GenderLabel(code string) string {
	switch code {
	case GenderMale:
		return "male"
	case GenderFemale:
		return "female"
	}
	return "unknown"
}
