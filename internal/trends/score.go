package trends

import (
	"sort"

	"github.com/harwick/trendscope/internal/query"
)

// momentumWindow is how many trailing points the slope is fit over.
const momentumWindow = 7

// Analysis summarizes one keyword's interest series.
type Analysis struct {
	Keyword     string
	Momentum    float64 // least squares slope over the trailing window
	AvgInterest float64
	MaxInterest float64
	Score       float64 // 0..1, momentum-weighted
}

// Momentum fits a least squares line through the last momentumWindow
// values and returns its slope. Series shorter than the window have no
// usable momentum and score zero.
func Momentum(values []float64) float64 {
	if len(values) < momentumWindow {
		return 0
	}
	recent := values[len(values)-momentumWindow:]

	// Plain least squares with x = 0..n-1.
	n := float64(len(recent))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range recent {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Score combines momentum and average interest into a 0..1 score,
// weighted towards momentum. Momentum is normalized assuming a typical
// -5..+5 range; interest is already on the provider's 0..100 scale.
func Score(momentum, avgInterest float64) float64 {
	momentumScore := (momentum + 5) / 10
	if momentumScore < 0 {
		momentumScore = 0
	}
	if momentumScore > 1 {
		momentumScore = 1
	}
	interestScore := avgInterest / 100
	return momentumScore*0.7 + interestScore*0.3
}

// Analyze groups interest records by keyword and scores each series.
// Results come back sorted by score, highest first.
func Analyze(records []query.Record) []Analysis {
	type series struct {
		points []query.Record
	}
	byKeyword := make(map[string]*series)
	var order []string
	for _, rec := range records {
		s, ok := byKeyword[rec.Key]
		if !ok {
			s = &series{}
			byKeyword[rec.Key] = s
			order = append(order, rec.Key)
		}
		s.points = append(s.points, rec)
	}

	out := make([]Analysis, 0, len(order))
	for _, kw := range order {
		pts := byKeyword[kw].points
		sort.Slice(pts, func(i, j int) bool {
			return pts[i].Timestamp.Before(pts[j].Timestamp)
		})

		values := make([]float64, len(pts))
		var sum, max float64
		for i, p := range pts {
			values[i] = p.Value
			sum += p.Value
			if p.Value > max {
				max = p.Value
			}
		}
		var avg float64
		if len(values) > 0 {
			avg = sum / float64(len(values))
		}
		m := Momentum(values)
		out = append(out, Analysis{
			Keyword:     kw,
			Momentum:    m,
			AvgInterest: avg,
			MaxInterest: max,
			Score:       Score(m, avg),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
