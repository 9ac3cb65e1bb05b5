package event

import (
	"encoding/json"
	"fmt"
	"sort"
)

type rawCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// AggregateCounts converts a counts payload into summary rows for subject,
// keeping the upstream order.
func AggregateCounts(subject string, payload []byte) ([]SummaryCount, error) {
	results, err := Results(payload)
	if err != nil {
		return nil, err
	}

	var counts []rawCount
	if err := json.Unmarshal(results, &counts); err != nil {
		return nil, fmt.Errorf("decode counts: %w", ErrMalformedPayload)
	}

	rows := make([]SummaryCount, 0, len(counts))
	for _, c := range counts {
		rows = append(rows, SummaryCount{
			Subject:   subject,
			Attribute: c.Term,
			Count:     c.Count,
			Rank:      len(rows),
		})
	}
	return rows, nil
}

// SortByCount orders rows by count descending. Ties keep their input order.
func SortByCount(rows []SummaryCount) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Count > rows[j].Count
	})
}

// TallyAttributes counts attributes across observations, most frequent
// first, ties in order of first appearance. It is the local fallback when
// no upstream counts are available.
func TallyAttributes(dir Direction, subject string, obs []Observation) []SummaryCount {
	index := make(map[string]int)
	var rows []SummaryCount
	for _, o := range obs {
		attr := o.Attribute(dir)
		if i, ok := index[attr]; ok {
			rows[i].Count++
			continue
		}
		index[attr] = len(rows)
		rows = append(rows, SummaryCount{Subject: subject, Attribute: attr, Count: 1})
	}
	SortByCount(rows)
	for i := range rows {
		rows[i].Rank = i
	}
	return rows
}
