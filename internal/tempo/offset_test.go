package tempo

import (
	"math"
	"testing"

	"github.com/halfstep/lipsync/internal/models"
)

// burst writes a deterministic noise burst of the given length at start into
// a zeroed signal of n frames. Noise correlates sharply at a single lag,
// unlike periodic test signals.
func burst(n, start, length int) []float64 {
	sig := make([]float64, n)
	state := uint64(42)
	for i := 0; i < length && start+i < n; i++ {
		state = state*6364136223846793005 + 1442695040888963407
		sig[start+i] = float64(state>>33)/float64(1<<31) + 0.1
	}
	return sig
}

func TestSyncOffsetAudioDelayed(t *testing.T) {
	// Two 10s clips at 10 envelope frames/sec; the audio's content starts
	// 3.0s into the track relative to the video's content.
	const frameRate = 10.0
	video := burst(100, 0, 60)
	audio := burst(100, 30, 60)

	off, err := SyncOffset(video, audio, frameRate, 5.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !almostEqual(off.Seconds, 3.0) {
		t.Errorf("offset = %.3fs, want 3.0s", off.Seconds)
	}
	if off.Seconds < 0 {
		t.Error("offset must be non-negative")
	}
	if off.Direction != models.OffsetAudioDelayed {
		t.Errorf("direction = %s, want %s", off.Direction, models.OffsetAudioDelayed)
	}
	if off.Peak < 0.9 {
		t.Errorf("correlation peak = %.3f, want near 1", off.Peak)
	}
}

func TestSyncOffsetVideoDelayed(t *testing.T) {
	const frameRate = 10.0
	video := burst(100, 20, 60)
	audio := burst(100, 0, 60)

	off, err := SyncOffset(video, audio, frameRate, 5.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !almostEqual(off.Seconds, 2.0) {
		t.Errorf("offset = %.3fs, want 2.0s", off.Seconds)
	}
	if off.Direction != models.OffsetVideoDelayed {
		t.Errorf("direction = %s, want %s", off.Direction, models.OffsetVideoDelayed)
	}
}

func TestSyncOffsetAligned(t *testing.T) {
	sig := burst(80, 10, 50)

	off, err := SyncOffset(sig, sig, 10.0, 3.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if off.Seconds != 0 {
		t.Errorf("offset = %.3fs, want 0", off.Seconds)
	}
	if off.Direction != models.OffsetAligned {
		t.Errorf("direction = %s, want %s", off.Direction, models.OffsetAligned)
	}
}

func TestSyncOffsetRejectsBadInput(t *testing.T) {
	if _, err := SyncOffset(nil, burst(10, 0, 5), 10, 1); err == nil {
		t.Error("expected error for empty video envelope")
	}
	if _, err := SyncOffset(burst(10, 0, 5), burst(10, 0, 5), 0, 1); err == nil {
		t.Error("expected error for zero frame rate")
	}
}

func TestEnergyEnvelope(t *testing.T) {
	// Constant-amplitude signal: RMS of every full window equals the amplitude.
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = 0.5
	}

	env := EnergyEnvelope(samples, 10)
	if len(env) != 10 {
		t.Fatalf("envelope frames = %d, want 10", len(env))
	}
	for i, e := range env {
		if !almostEqual(e, 0.5) {
			t.Errorf("frame %d: rms = %.6f, want 0.5", i, e)
		}
	}

	// Tail shorter than a hop still yields a frame.
	env = EnergyEnvelope(samples[:95], 10)
	if len(env) != 10 {
		t.Errorf("envelope frames = %d, want 10 (partial tail window)", len(env))
	}
}

func TestSyncOffsetFromSamples(t *testing.T) {
	// 8kHz waveforms, audio content shifted 0.5s later. A 400-sample hop
	// gives a 20 fps envelope, so the expected lag is 10 frames.
	const (
		rate = 8000.0
		hop  = 400
	)

	n := int(4 * rate)
	video := make([]float64, n)
	audio := make([]float64, n)
	state := uint64(7)
	noise := func() float64 {
		state = state*6364136223846793005 + 1442695040888963407
		return float64(state>>33)/float64(1<<31) - 0.5
	}

	shift := int(0.5 * rate)
	for i := 0; i < n/2; i++ {
		v := noise() * (1 + math.Sin(float64(i)/777.0))
		video[i] = v
		if i+shift < n {
			audio[i+shift] = v
		}
	}

	off, err := SyncOffsetFromSamples(video, audio, rate, hop, 2.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if math.Abs(off.Seconds-0.5) > 0.05 {
		t.Errorf("offset = %.3fs, want 0.5s (±50ms)", off.Seconds)
	}
	if off.Direction != models.OffsetAudioDelayed {
		t.Errorf("direction = %s, want %s", off.Direction, models.OffsetAudioDelayed)
	}
}
