package anomaly_test

import (
	"strings"
	"testing"

	"github.com/septivank/counter-ingest-worker/internal/anomaly"
)

const (
	testSpikeThreshold            = 3.0
	testMinDataPointsForDetection = 3
)

func TestDetectAnomaly_NegativeValue(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, reason := detector.DetectAnomaly(-1, []int64{100})

	if !isAnomaly {
		t.Error("Expected anomaly for negative value")
	}
	if reason != "negative page counter" {
		t.Errorf("Expected reason 'negative page counter', got '%s'", reason)
	}
}

func TestDetectAnomaly_Backwards(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, reason := detector.DetectAnomaly(900, []int64{1000, 950})

	if !isAnomaly {
		t.Fatal("Expected anomaly for decreasing counter")
	}
	if !strings.Contains(reason, "backwards") {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestDetectAnomaly_SuddenSpike(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	history := []int64{1300, 1200, 1100, 1000} // +100 per reading
	isAnomaly, reason := detector.DetectAnomaly(1800, history)

	if !isAnomaly {
		t.Error("Expected anomaly for sudden spike")
	}
	if reason == "" {
		t.Error("Expected reason for spike anomaly")
	}
}

func TestDetectAnomaly_NormalValue(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	history := []int64{1300, 1200, 1100, 1000}
	isAnomaly, reason := detector.DetectAnomaly(1420, history)

	if isAnomaly {
		t.Errorf("Expected no anomaly, but got: %s", reason)
	}
}

func TestDetectAnomaly_InsufficientData(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, _ := detector.DetectAnomaly(100000, []int64{1100, 1000})

	if isAnomaly {
		t.Error("Should not detect spike with insufficient historical data")
	}
}

func TestDetectAnomaly_EmptyHistorical(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, _ := detector.DetectAnomaly(100, nil)

	if isAnomaly {
		t.Error("Expected no anomaly with empty historical data and positive value")
	}
}

func TestDetectAnomaly_FlatHistory(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, _ := detector.DetectAnomaly(1500, []int64{1000, 1000, 1000, 1000})

	// Should not trigger spike detection when the average delta is 0
	if isAnomaly {
		t.Error("Should not detect spike when historical average delta is 0")
	}
}

func TestHistoryLimit(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)
	if detector.HistoryLimit() != testMinDataPointsForDetection+1 {
		t.Errorf("HistoryLimit = %d", detector.HistoryLimit())
	}
}
