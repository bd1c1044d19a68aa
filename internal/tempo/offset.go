package tempo

import (
	"fmt"
	"math"

	"github.com/halfstep/lipsync/internal/models"
)

// Offset is the time shift between the audio track's and the video track's
// useful content, found at the cross-correlation peak. Seconds is always a
// non-negative magnitude; Direction carries the convention. The fixed
// downstream convention is that chunk audio ranges are shifted +Seconds
// relative to video ranges.
type Offset struct {
	Seconds   float64
	Direction models.OffsetDirection
	// Peak is the normalized correlation coefficient at the chosen lag,
	// in [-1,1]. Low peaks mean the alignment is unreliable.
	Peak float64
}

// EnergyEnvelope downsamples a waveform to per-window RMS energy. hop is the
// window size in samples; the returned envelope has one frame per hop.
// Correlating envelopes instead of raw samples makes the lag search cheap and
// insensitive to phase.
func EnergyEnvelope(samples []float64, hop int) []float64 {
	if hop < 1 {
		hop = 1
	}

	frames := (len(samples) + hop - 1) / hop
	env := make([]float64, 0, frames)

	for start := 0; start < len(samples); start += hop {
		end := start + hop
		if end > len(samples) {
			end = len(samples)
		}

		var sum float64
		for _, s := range samples[start:end] {
			sum += s * s
		}
		env = append(env, math.Sqrt(sum/float64(end-start)))
	}

	return env
}

// SyncOffset finds the lag that best aligns the audio envelope to the video
// envelope via normalized cross-correlation over a bounded search window.
//
// frameRate is the envelope frame rate in frames per second. maxLagSec bounds
// the search on both sides (0 = half the shorter envelope).
//
// A positive internal lag means the audio's matching content occurs later in
// the audio track than in the video track (dead space at the start of the
// audio); the reported offset is the magnitude with the direction made
// explicit.
func SyncOffset(videoEnv, audioEnv []float64, frameRate float64, maxLagSec float64) (Offset, error) {
	if len(videoEnv) == 0 || len(audioEnv) == 0 {
		return Offset{}, fmt.Errorf("empty envelope (video=%d frames, audio=%d frames)", len(videoEnv), len(audioEnv))
	}
	if frameRate <= 0 {
		return Offset{}, fmt.Errorf("frame rate must be positive, got %.3f", frameRate)
	}

	shorter := len(videoEnv)
	if len(audioEnv) < shorter {
		shorter = len(audioEnv)
	}

	maxLag := shorter / 2
	if maxLagSec > 0 {
		if requested := int(maxLagSec * frameRate); requested < maxLag {
			maxLag = requested
		}
	}
	if maxLag < 1 {
		maxLag = 1
	}

	v := demean(videoEnv)
	a := demean(audioEnv)

	bestLag := 0
	bestCorr := math.Inf(-1)

	for lag := -maxLag; lag <= maxLag; lag++ {
		corr, ok := normalizedCorrelation(v, a, lag)
		if !ok {
			continue
		}
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}

	if math.IsInf(bestCorr, -1) {
		return Offset{}, fmt.Errorf("no overlapping window within lag bound %d frames", maxLag)
	}

	off := Offset{
		Seconds: math.Abs(float64(bestLag)) / frameRate,
		Peak:    bestCorr,
	}

	switch {
	case bestLag > 0:
		off.Direction = models.OffsetAudioDelayed
	case bestLag < 0:
		off.Direction = models.OffsetVideoDelayed
	default:
		off.Direction = models.OffsetAligned
	}

	return off, nil
}

// SyncOffsetFromSamples is a convenience wrapper that envelopes both raw
// waveforms at the given hop before running the lag search.
func SyncOffsetFromSamples(video, audio []float64, sampleRate float64, hop int, maxLagSec float64) (Offset, error) {
	if sampleRate <= 0 {
		return Offset{}, fmt.Errorf("sample rate must be positive, got %.3f", sampleRate)
	}
	if hop < 1 {
		hop = 1
	}

	videoEnv := EnergyEnvelope(video, hop)
	audioEnv := EnergyEnvelope(audio, hop)

	return SyncOffset(videoEnv, audioEnv, sampleRate/float64(hop), maxLagSec)
}

func demean(x []float64) []float64 {
	var mean float64
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))

	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v - mean
	}
	return out
}

// normalizedCorrelation computes the correlation coefficient of v[t] against
// a[t+lag] over the overlapping window. Returns ok=false when the overlap is
// empty or either side has zero energy.
func normalizedCorrelation(v, a []float64, lag int) (float64, bool) {
	// overlapping index range for t: v[t] valid and a[t+lag] valid
	start := 0
	if lag < 0 {
		start = -lag
	}
	end := len(v)
	if limit := len(a) - lag; limit < end {
		end = limit
	}
	if end-start < 2 {
		return 0, false
	}

	var dot, vv, aa float64
	for t := start; t < end; t++ {
		dot += v[t] * a[t+lag]
		vv += v[t] * v[t]
		aa += a[t+lag] * a[t+lag]
	}

	if vv == 0 || aa == 0 {
		return 0, false
	}

	return dot / math.Sqrt(vv*aa), true
}
