// Package planner materializes the ordered chunk descriptors for a job from
// the analyzed chunk duration and sync offset.
package planner

import (
	"fmt"
	"math"
)

// ChunkSpec is one bounded-duration unit of work. Audio ranges are the video
// ranges shifted by the sync offset (fixed convention: audio reads start
// +offset later in the audio track). ImageIndex rotates over the job's
// reference images and is nil when the job has none.
type ChunkSpec struct {
	Index         int
	VideoStartSec float64
	VideoEndSec   float64
	AudioStartSec float64
	AudioEndSec   float64
	ImageIndex    *int
}

// DurationSec returns the chunk's length in seconds.
func (c ChunkSpec) DurationSec() float64 {
	return c.VideoEndSec - c.VideoStartSec
}

// UsableDuration returns how much of the recording can be planned. The video
// track must cover [0, total) and the audio track [offset, offset+total), so
// the total is bounded by the video length and by what remains of the audio
// after the offset. A non-positive result means the sources cannot be paired.
func UsableDuration(videoDurationSec, audioDurationSec, syncOffsetSec float64) float64 {
	return math.Min(videoDurationSec, audioDurationSec-syncOffsetSec)
}

// Plan splits totalDuration into ceil(total/chunkDuration) chunks. The last
// chunk may be shorter than the nominal duration but never zero-length; the
// chunk durations always sum to totalDuration exactly.
func Plan(totalDurationSec, chunkDurationSec, syncOffsetSec float64, imageCount int) ([]ChunkSpec, error) {
	if totalDurationSec <= 0 {
		return nil, fmt.Errorf("total duration must be positive, got %.3fs", totalDurationSec)
	}
	if chunkDurationSec <= 0 {
		return nil, fmt.Errorf("chunk duration must be positive, got %.3fs", chunkDurationSec)
	}
	if syncOffsetSec < 0 {
		return nil, fmt.Errorf("sync offset must be non-negative, got %.3fs", syncOffsetSec)
	}
	if imageCount < 0 {
		return nil, fmt.Errorf("image count must be non-negative, got %d", imageCount)
	}

	numChunks := int(math.Ceil(totalDurationSec / chunkDurationSec))

	chunks := make([]ChunkSpec, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		videoStart := float64(i) * chunkDurationSec
		videoEnd := videoStart + chunkDurationSec
		if videoEnd > totalDurationSec {
			videoEnd = totalDurationSec
		}

		spec := ChunkSpec{
			Index:         i,
			VideoStartSec: videoStart,
			VideoEndSec:   videoEnd,
			AudioStartSec: videoStart + syncOffsetSec,
			AudioEndSec:   videoStart + syncOffsetSec + (videoEnd - videoStart),
		}

		if imageCount > 0 {
			idx := i % imageCount
			spec.ImageIndex = &idx
		}

		chunks = append(chunks, spec)
	}

	return chunks, nil
}
