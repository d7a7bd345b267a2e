package podmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetPodCountClampsToFloor(t *testing.T) {
	target := targetPodCount(nil, 2, 10, 50)
	assert.Equal(t, 2, target)
}

func TestTargetPodCountClampsToCeiling(t *testing.T) {
	history := []int{20, 20, 20}
	target := targetPodCount(history, 1, 5, 100)
	assert.Equal(t, 5, target)
}

func TestTargetPodCountTracksPeakAtFullSensitivity(t *testing.T) {
	history := []int{1, 1, 1, 7}
	target := targetPodCount(history, 1, 20, 100)
	assert.Equal(t, 9, target) // 1 + round(1.2*7) = 1 + 8
}

func TestTargetPodCountTracksAverageAtZeroSensitivity(t *testing.T) {
	history := []int{2, 2, 2, 2}
	target := targetPodCount(history, 1, 20, 0)
	assert.Equal(t, 3, target) // 1 + round(1.2*2) = 1 + 2
}

func TestTargetPodCountRoundsUpAtBalancedSensitivity(t *testing.T) {
	history := []int{4, 4, 4, 4}
	target := targetPodCount(history, 0, 5, 50)
	assert.Equal(t, 5, target) // min(5, 0+round(1.2*(4*0.5+4*0.5))) = min(5, 5)
}

func TestRecordLoadEvictsOldestPastCapacity(t *testing.T) {
	var history []int
	for i := 0; i < historyCapacity+10; i++ {
		history = recordLoad(history, i)
	}
	assert.Len(t, history, historyCapacity)
	assert.Equal(t, historyCapacity+9, history[len(history)-1])
}
