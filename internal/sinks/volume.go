package sinks

import (
	"math"

	"github.com/balena-io-experimental/audio/internal/protocol/tagstruct"
)

// VolumeNorm is the server's 100% level, used when a sink reports no base
// volume.
const VolumeNorm uint32 = 0x10000

func clampPercent(percent int) int {
	return max(0, min(percent, 100))
}

func normBase(base uint32) uint32 {
	if base == 0 {
		return VolumeNorm
	}
	return base
}

// PercentToVolume converts a 0-100 percentage into a raw level relative to
// base. Out of range percentages are clamped.
func PercentToVolume(percent int, base uint32) uint32 {
	p := clampPercent(percent)
	return uint32(math.Round(float64(p) / 100 * float64(normBase(base))))
}

// VolumeToPercent returns the rounded percentage of the channel average
// relative to base. It is not clamped: boosted sinks report above 100.
func VolumeToPercent(cv tagstruct.CVolume, base uint32) int {
	if len(cv) == 0 {
		return 0
	}
	return int(math.Round(float64(cv.Avg()) / float64(normBase(base)) * 100))
}

// UniformVolume returns channels copies of the level for percent.
func UniformVolume(channels int, percent int, base uint32) tagstruct.CVolume {
	level := PercentToVolume(percent, base)
	cv := make(tagstruct.CVolume, channels)
	for i := range cv {
		cv[i] = level
	}
	return cv
}
