package anomaly

import (
	"fmt"
)

// Detector flags page-counter readings that go backwards or jump far above the usual rate
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// HistoryLimit is how many previous readings DetectAnomaly wants
func (d *Detector) HistoryLimit() int {
	return d.minDataPointsForDetection + 1
}

// DetectAnomaly checks the total page count against previous totals of the same
// device, newest first.
func (d *Detector) DetectAnomaly(totalPages int64, history []int64) (bool, string) {
	if totalPages < 0 {
		return true, "negative page counter"
	}
	if len(history) == 0 {
		return false, ""
	}

	if totalPages < history[0] {
		return true, fmt.Sprintf("page counter went backwards: %d after %d", totalPages, history[0])
	}

	// Need enough deltas for spike detection
	if len(history)-1 < d.minDataPointsForDetection {
		return false, ""
	}

	var sum float64
	deltas := 0
	for i := 0; i+1 < len(history); i++ {
		delta := history[i] - history[i+1]
		if delta < 0 {
			continue
		}
		sum += float64(delta)
		deltas++
	}
	if deltas == 0 {
		return false, ""
	}
	average := sum / float64(deltas)

	current := float64(totalPages - history[0])
	if average > 0 && current > d.spikeThreshold*average {
		return true, fmt.Sprintf("page counter spike: +%.0f pages exceeds %.1fx average delta %.1f",
			current, d.spikeThreshold, average)
	}

	return false, ""
}
