package tempo

import (
	"errors"
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAnalyzeMeasureAlignment(t *testing.T) {
	// For every valid BPM the chunk duration must be a positive whole-measure
	// multiple, at most the ceiling, and the largest such multiple.
	for bpm := MinBPM; bpm <= MaxBPM; bpm++ {
		a, err := Analyze(AnalysisInput{
			VideoDurationSec: 60,
			AudioDurationSec: 60,
			BPM:              bpm,
			BeatsPerBar:      4,
		})
		if err != nil {
			t.Fatalf("bpm %d: unexpected error: %v", bpm, err)
		}

		if a.MeasuresPerChunk < 1 {
			t.Errorf("bpm %d: measures per chunk %d < 1", bpm, a.MeasuresPerChunk)
		}

		if !almostEqual(a.ChunkDurationSec, float64(a.MeasuresPerChunk)*a.SecondsPerMeasure) {
			t.Errorf("bpm %d: chunk %.6fs is not a whole-measure multiple of %.6fs",
				bpm, a.ChunkDurationSec, a.SecondsPerMeasure)
		}

		// One measure may exceed the ceiling at slow tempos; above one
		// measure the ceiling is a hard bound.
		if a.MeasuresPerChunk > 1 && a.ChunkDurationSec > DefaultTargetCeilingSec+1e-9 {
			t.Errorf("bpm %d: chunk %.6fs exceeds ceiling", bpm, a.ChunkDurationSec)
		}

		// Largest: one more measure must overflow the ceiling.
		next := float64(a.MeasuresPerChunk+1) * a.SecondsPerMeasure
		if next <= DefaultTargetCeilingSec+1e-9 {
			t.Errorf("bpm %d: %d measures (%.6fs) fits but was not chosen", bpm, a.MeasuresPerChunk+1, next)
		}
	}
}

func TestAnalyzeReferenceScenario(t *testing.T) {
	// BPM=120, 4/4: 2.0s measures, 4 measures per chunk, 8.0s chunks.
	a, err := Analyze(AnalysisInput{
		VideoDurationSec: 20,
		AudioDurationSec: 20,
		BPM:              120,
		BeatsPerBar:      4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !almostEqual(a.SecondsPerBeat, 0.5) {
		t.Errorf("seconds per beat = %.6f, want 0.5", a.SecondsPerBeat)
	}
	if !almostEqual(a.SecondsPerMeasure, 2.0) {
		t.Errorf("seconds per measure = %.6f, want 2.0", a.SecondsPerMeasure)
	}
	if a.MeasuresPerChunk != 4 {
		t.Errorf("measures per chunk = %d, want 4", a.MeasuresPerChunk)
	}
	if !almostEqual(a.ChunkDurationSec, 8.0) {
		t.Errorf("chunk duration = %.6f, want 8.0", a.ChunkDurationSec)
	}
	if !almostEqual(a.UsableDurationSec, 20.0) {
		t.Errorf("usable duration = %.6f, want 20.0", a.UsableDurationSec)
	}
}

func TestAnalyzeSlowTempoClampsToOneMeasure(t *testing.T) {
	// 60 BPM in 12/8-style long bars: a single measure is 12s > 9s ceiling,
	// but one measure is still the floor.
	a, err := Analyze(AnalysisInput{
		VideoDurationSec: 60,
		AudioDurationSec: 60,
		BPM:              60,
		BeatsPerBar:      12,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.MeasuresPerChunk != 1 {
		t.Errorf("measures per chunk = %d, want 1", a.MeasuresPerChunk)
	}
	if !almostEqual(a.ChunkDurationSec, 12.0) {
		t.Errorf("chunk duration = %.6f, want 12.0", a.ChunkDurationSec)
	}
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		in   AnalysisInput
	}{
		{"bpm too low", AnalysisInput{VideoDurationSec: 10, AudioDurationSec: 10, BPM: 59}},
		{"bpm too high", AnalysisInput{VideoDurationSec: 10, AudioDurationSec: 10, BPM: 201}},
		{"zero video duration", AnalysisInput{VideoDurationSec: 0, AudioDurationSec: 10, BPM: 120}},
		{"zero audio duration", AnalysisInput{VideoDurationSec: 10, AudioDurationSec: 0, BPM: 120}},
		{"negative duration", AnalysisInput{VideoDurationSec: -5, AudioDurationSec: 10, BPM: 120}},
		{"bad beats per bar", AnalysisInput{VideoDurationSec: 10, AudioDurationSec: 10, BPM: 120, BeatsPerBar: 13}},
	}

	for _, tt := range tests {
		if _, err := Analyze(tt.in); err == nil {
			t.Errorf("%s: expected error, got none", tt.name)
		}
	}
}

func TestAnalyzeDurationMismatch(t *testing.T) {
	_, err := Analyze(AnalysisInput{
		VideoDurationSec: 10,
		AudioDurationSec: 120,
		BPM:              120,
		ToleranceSec:     30,
	})
	if !errors.Is(err, ErrDurationMismatch) {
		t.Fatalf("expected ErrDurationMismatch, got %v", err)
	}

	// Within tolerance is fine.
	if _, err := Analyze(AnalysisInput{
		VideoDurationSec: 100,
		AudioDurationSec: 120,
		BPM:              120,
		ToleranceSec:     30,
	}); err != nil {
		t.Fatalf("unexpected error within tolerance: %v", err)
	}
}
