// Package tempo computes measure-aligned chunk durations and the audio/video
// sync offset for a job. Chunk boundaries always land on whole measures so
// seams between independently rendered chunks fall on the beat.
package tempo

import (
	"errors"
	"fmt"
	"math"
)

const (
	MinBPM = 60
	MaxBPM = 200

	DefaultBeatsPerBar = 4
	maxBeatsPerBar     = 12

	// DefaultTargetCeilingSec is the provider's cap on a single render request.
	DefaultTargetCeilingSec = 9.0

	// DefaultDurationToleranceSec bounds how far apart the source video and
	// audio durations may be before the pairing is rejected as a bad upload.
	DefaultDurationToleranceSec = 30.0

	// float guard for the ceiling comparison
	eps = 1e-9
)

var (
	ErrDurationMismatch = errors.New("audio and video durations differ beyond tolerance")
)

type AnalysisInput struct {
	VideoDurationSec float64
	AudioDurationSec float64
	BPM              int
	BeatsPerBar      int     // 0 = DefaultBeatsPerBar
	TargetCeilingSec float64 // 0 = DefaultTargetCeilingSec
	ToleranceSec     float64 // 0 = DefaultDurationToleranceSec
}

type Analysis struct {
	SecondsPerBeat    float64
	SecondsPerMeasure float64
	MeasuresPerChunk  int
	ChunkDurationSec  float64
	// UsableDurationSec is the portion of the recording that can be chunked:
	// the shorter of the two source durations.
	UsableDurationSec float64
}

// Analyze validates the inputs and computes the measure-aligned chunk
// duration: the largest whole number of measures that fits under the target
// ceiling, clamped to at least one measure.
func Analyze(in AnalysisInput) (Analysis, error) {
	if in.BPM < MinBPM || in.BPM > MaxBPM {
		return Analysis{}, fmt.Errorf("bpm %d out of range [%d,%d]", in.BPM, MinBPM, MaxBPM)
	}

	beatsPerBar := in.BeatsPerBar
	if beatsPerBar == 0 {
		beatsPerBar = DefaultBeatsPerBar
	}
	if beatsPerBar < 1 || beatsPerBar > maxBeatsPerBar {
		return Analysis{}, fmt.Errorf("beats per bar %d out of range [1,%d]", beatsPerBar, maxBeatsPerBar)
	}

	if in.VideoDurationSec <= 0 || in.AudioDurationSec <= 0 {
		return Analysis{}, fmt.Errorf("durations must be positive (video=%.3fs, audio=%.3fs)",
			in.VideoDurationSec, in.AudioDurationSec)
	}

	tolerance := in.ToleranceSec
	if tolerance == 0 {
		tolerance = DefaultDurationToleranceSec
	}
	if math.Abs(in.VideoDurationSec-in.AudioDurationSec) > tolerance {
		return Analysis{}, fmt.Errorf("%w: video=%.3fs audio=%.3fs tolerance=%.1fs",
			ErrDurationMismatch, in.VideoDurationSec, in.AudioDurationSec, tolerance)
	}

	ceiling := in.TargetCeilingSec
	if ceiling == 0 {
		ceiling = DefaultTargetCeilingSec
	}
	if ceiling <= 0 {
		return Analysis{}, fmt.Errorf("target ceiling must be positive, got %.3fs", ceiling)
	}

	secondsPerBeat := 60.0 / float64(in.BPM)
	secondsPerMeasure := secondsPerBeat * float64(beatsPerBar)

	measures := int(math.Floor(ceiling / secondsPerMeasure))
	if measures < 1 {
		// A single measure may exceed the ceiling at very slow tempos;
		// one measure is the floor regardless, seams off-beat are worse
		// than a slightly oversized request.
		measures = 1
	}

	chunk := float64(measures) * secondsPerMeasure
	for measures > 1 && chunk > ceiling+eps {
		measures--
		chunk = float64(measures) * secondsPerMeasure
	}

	return Analysis{
		SecondsPerBeat:    secondsPerBeat,
		SecondsPerMeasure: secondsPerMeasure,
		MeasuresPerChunk:  measures,
		ChunkDurationSec:  chunk,
		UsableDurationSec: math.Min(in.VideoDurationSec, in.AudioDurationSec),
	}, nil
}
