package podmanager

import "math"

// recordLoad appends the current outstanding-prompt count to the bounded
// history FIFO, evicting the oldest sample once full.
func recordLoad(history []int, sample int) []int {
	history = append(history, sample)
	if len(history) > historyCapacity {
		history = history[len(history)-historyCapacity:]
	}
	return history
}

// targetPodCount computes the desired non-terminal pod count from the
// load history: N = min(maxNum, minNum + round(1.2*(avg*(100-S)/100 +
// peak*S/100))), where S (sensitivity, in [0,100]) weights the recent
// peak against the recent average. S near 0 scales to the average load;
// S near 100 scales to the peak.
func targetPodCount(history []int, minNum, maxNum int, sensitivity float64) int {
	sum, peak := 0, 0
	for _, v := range history {
		sum += v
		if v > peak {
			peak = v
		}
	}

	avg := 0.0
	if len(history) > 0 {
		avg = float64(sum) / float64(len(history))
	}

	s := sensitivity
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}

	demand := avg*(100-s)/100 + float64(peak)*s/100
	target := minNum + int(math.Round(1.2*demand))

	if target > maxNum {
		target = maxNum
	}
	return target
}
