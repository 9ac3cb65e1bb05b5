package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Results extracts the top-level "results" array of an openFDA payload.
// A payload without results is ErrNotFound; one that is not a JSON object,
// or whose results are not an array, is ErrMalformedPayload.
func Results(payload []byte) (json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode payload: %w", ErrMalformedPayload)
	}
	results, ok := envelope["results"]
	if !ok || bytes.Equal(bytes.TrimSpace(results), []byte("null")) {
		return nil, ErrNotFound
	}
	if trimmed := bytes.TrimSpace(results); len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("results is not an array: %w", ErrMalformedPayload)
	}
	return results, nil
}

// Normalize dispatches to the normalizer for dir.
func Normalize(dir Direction, key string, payload []byte) ([]Observation, error) {
	if dir == ByReaction {
		return NormalizeReactionReports(key, payload)
	}
	return NormalizeDrugReports(key, payload)
}

// NormalizeDrugReports flattens a drug search payload into one observation
// per listed reaction, each carrying drug as the drug name.
func NormalizeDrugReports(drug string, payload []byte) ([]Observation, error) {
	reports, err := decodeReports(payload)
	if err != nil {
		return nil, err
	}

	obs := make([]Observation, 0, len(reports))
	for _, r := range reports {
		age, gender := r.Patient.demographics()
		for _, reaction := range r.Patient.Reactions {
			name := strings.TrimSpace(reaction.MedDRAPT)
			if name == "" {
				continue
			}
			obs = append(obs, Observation{
				ReportID: r.SafetyReportID.String(),
				Drug:     drug,
				Reaction: name,
				Age:      age,
				Gender:   gender,
			})
		}
	}
	return obs, nil
}

// NormalizeReactionReports flattens a reaction search payload into one
// observation per listed drug, each carrying reaction as the reaction name.
// Drug names are upper-cased with repeated whitespace collapsed.
func NormalizeReactionReports(reaction string, payload []byte) ([]Observation, error) {
	reports, err := decodeReports(payload)
	if err != nil {
		return nil, err
	}

	obs := make([]Observation, 0, len(reports))
	for _, r := range reports {
		age, gender := r.Patient.demographics()
		for _, drug := range r.Patient.Drugs {
			name := NormalizeDrugName(drug.MedicinalProduct)
			if name == "" {
				continue
			}
			obs = append(obs, Observation{
				ReportID: r.SafetyReportID.String(),
				Drug:     name,
				Reaction: reaction,
				Age:      age,
				Gender:   gender,
			})
		}
	}
	return obs, nil
}

func decodeReports(payload []byte) ([]rawReport, error) {
	results, err := Results(payload)
	if err != nil {
		return nil, err
	}
	var reports []rawReport
	if err := json.Unmarshal(results, &reports); err != nil {
		return nil, fmt.Errorf("decode reports: %w", ErrMalformedPayload)
	}
	return reports, nil
}

type rawReport struct {
	SafetyReportID flexString `json:"safetyreportid"`
	Patient        rawPatient `json:"patient"`
}

type rawPatient struct {
	OnsetAge  flexString    `json:"patientonsetage"`
	Sex       flexString    `json:"patientsex"`
	Reactions []rawReaction `json:"reaction"`
	Drugs     []rawDrug     `json:"drug"`
}

type rawReaction struct {
	MedDRAPT string `json:"reactionmeddrapt"`
}

type rawDrug struct {
	MedicinalProduct string `json:"medicinalproduct"`
}

// demographics returns age and sex with sentinels for missing values.
func (p rawPatient) demographics() (float64, string) {
	age := 0.0
	if v, err := strconv.ParseFloat(p.OnsetAge.String(), 64); err == nil && v > 0 {
		age = v
	}
	gender := p.Sex.String()
	if gender == "" {
		gender = GenderUnknown
	}
	return age, gender
}

// flexString accepts both JSON strings and bare numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func (f flexString) String() string {
	return strings.TrimSpace(string(f))
}
