package race

import (
	"github.com/ronaldslwong/copyrust-sub000/internal/models"
)

// Rows flattens the result into one row per vendor. Successful rows are
// ranked by latency starting at 1; failed rows have rank 0.
func (r *Result) Rows() []models.RaceOutcome {
	rank := make(map[string]uint8, len(r.Successes))
	for i, o := range r.Successes {
		rank[o.Vendor] = uint8(i + 1)
	}

	mint := ""
	if !r.Mint.IsZero() {
		mint = r.Mint.String()
	}

	rows := make([]models.RaceOutcome, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		row := models.RaceOutcome{
			RaceID:     r.ID,
			Timestamp:  r.StartedAt,
			Tag:        r.Tag,
			Mint:       mint,
			Vendor:     o.Vendor,
			Success:    o.OK(),
			LatencyMs:  ms(o.Elapsed),
			SinceDetMs: ms(r.SinceDetection),
		}
		if o.OK() {
			row.Signature = o.Signature.String()
			row.Rank = rank[o.Vendor]
			row.Winner = row.Rank == 1
		} else {
			row.Error = o.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

// Summary is the published form of the result.
func (r *Result) Summary() *models.RaceSummary {
	rows := r.Rows()
	s := &models.RaceSummary{
		RaceID:          r.ID,
		Timestamp:       r.StartedAt,
		Tag:             r.Tag,
		WallTimeMs:      ms(r.WallTime),
		SinceDetectedMs: ms(r.SinceDetection),
		Succeeded:       len(r.Successes),
		Total:           len(r.Outcomes),
		Outcomes:        rows,
	}
	if !r.Mint.IsZero() {
		s.Mint = r.Mint.String()
	}
	if w, ok := r.Winner(); ok {
		s.Winner = w.Vendor
		s.Signature = w.Signature.String()
	}
	return s
}
