package metrics

import (
	"math"
	"sort"
	"time"

	"nodie/internal/model"
)

// Summary is a basic statistics snapshot over probe samples.
type Summary struct {
	Count           int
	From            time.Time
	To              time.Time
	AvgDownloadMbps float64
	P5DownloadMbps  float64
	MinDownloadMbps float64
	MaxDownloadMbps float64
	AvgUploadMbps   float64
	AvgLatencyMs    float64
	P95LatencyMs    float64
	GoodFraction    float64
}

// Summarize computes summary metrics for samples measured at or after
// since. goodMbps is the Good tier threshold.
func Summarize(samples []model.SpeedSample, since time.Time, goodMbps float64) Summary {
	filtered := make([]model.SpeedSample, 0, len(samples))
	for _, s := range samples {
		if !s.MeasuredAt.Before(since) {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	downs := make([]float64, 0, len(filtered))
	latencies := make([]float64, 0, len(filtered))
	var sumDown, sumUp, sumLatency float64
	minDown := math.MaxFloat64
	maxDown := 0.0
	good := 0
	from := filtered[0].MeasuredAt
	to := filtered[0].MeasuredAt

	for _, s := range filtered {
		d := s.DownloadMbps()
		downs = append(downs, d)
		latencies = append(latencies, s.LatencyMs)
		sumDown += d
		sumUp += s.UploadMbps()
		sumLatency += s.LatencyMs
		if d < minDown {
			minDown = d
		}
		if d > maxDown {
			maxDown = d
		}
		if d >= goodMbps {
			good++
		}
		if s.MeasuredAt.Before(from) {
			from = s.MeasuredAt
		}
		if s.MeasuredAt.After(to) {
			to = s.MeasuredAt
		}
	}

	sort.Float64s(downs)
	sort.Float64s(latencies)
	count := float64(len(filtered))

	return Summary{
		Count:           len(filtered),
		From:            from,
		To:              to,
		AvgDownloadMbps: sumDown / count,
		P5DownloadMbps:  percentile(downs, 0.05),
		MinDownloadMbps: minDown,
		MaxDownloadMbps: maxDown,
		AvgUploadMbps:   sumUp / count,
		AvgLatencyMs:    sumLatency / count,
		P95LatencyMs:    percentile(latencies, 0.95),
		GoodFraction:    float64(good) / count,
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
