package reconstruction

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"ctslicesto3d/internal/models"
)

// histogramBins is the number of bins used for the entropy estimate.
const histogramBins = 256

// Statistics summarizes the voxel values of a volume in rescaled units.
type Statistics struct {
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64

	// Entropy is the Shannon entropy (bits) of a 256-bin value histogram.
	Entropy float64
}

// ComputeStatistics returns the value statistics of vol.
func ComputeStatistics(vol *models.Volume) Statistics {
	if vol == nil || len(vol.Data) == 0 {
		return Statistics{}
	}

	data := make([]float64, len(vol.Data))
	for i, v := range vol.Data {
		data[i] = float64(v)
	}

	min, max := findMinMax(data)
	mean, std := stat.MeanStdDev(data, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return Statistics{
		Min:     min,
		Max:     max,
		Mean:    mean,
		StdDev:  std,
		Entropy: calculateEntropy(data, min, max),
	}
}

// calculateEntropy computes the Shannon entropy of data in bits
func calculateEntropy(data []float64, min, max float64) float64 {
	// If all values are the same, entropy is 0
	if len(data) == 0 || max <= min {
		return 0
	}

	hist := make([]float64, histogramBins)
	binWidth := (max - min) / histogramBins
	for _, v := range data {
		bin := int((v - min) / binWidth)
		if bin >= histogramBins {
			bin = histogramBins - 1
		} else if bin < 0 {
			bin = 0
		}
		hist[bin]++
	}

	n := float64(len(data))
	for i := range hist {
		hist[i] /= n
	}
	return stat.Entropy(hist) / math.Ln2
}

// findMinMax returns the minimum and maximum values in a slice
func findMinMax(data []float64) (min, max float64) {
	if len(data) == 0 {
		return 0, 0
	}

	min, max = data[0], data[0]
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}
