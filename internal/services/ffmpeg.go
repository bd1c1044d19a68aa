package services

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// FFmpegService shells out to ffmpeg/ffprobe for the final assembly step.
// Chunk assets arrive from the provider already encoded with identical
// parameters, so concatenation is a pure stream copy: no re-encoding, no new
// artifacts at the seams.
type FFmpegService struct {
	tempDir string
}

func NewFFmpegService(tempDir string) *FFmpegService {
	// Create temp directory if it doesn't exist
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}

	return &FFmpegService{
		tempDir: tempDir,
	}
}

// ConcatenateChunks joins chunk videos in the given order into a single
// output using the concat demuxer with stream copy.
func (s *FFmpegService) ConcatenateChunks(ctx context.Context, chunkPaths []string, outputPath string) error {
	if len(chunkPaths) == 0 {
		return fmt.Errorf("no chunks to concatenate")
	}

	// Build the concat demuxer list file
	var list strings.Builder
	for _, p := range chunkPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve chunk path %s: %w", p, err)
		}
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}

	listPath := s.CreateTempFile(concatListName(outputPath))
	if err := os.WriteFile(listPath, []byte(list.String()), 0644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	defer s.Cleanup(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concat failed: %w (stderr: %s)", err, truncate(stderr.String(), 500))
	}

	return nil
}

// GetVideoDurationMs probes a video file's duration in milliseconds.
func (s *FFmpegService) GetVideoDurationMs(ctx context.Context, path string) (int, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	out, err := exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}

	return int(seconds * 1000), nil
}

// ExtractPCM decodes a source's audio track to mono float64 PCM at the given
// sample rate, reading ffmpeg's stdout directly. Used to build the energy
// envelopes for sync-offset cross-correlation.
func (s *FFmpegService) ExtractPCM(ctx context.Context, inputURL string, sampleRate int) ([]float64, error) {
	args := []string{
		"-i", inputURL,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "f64le",
		"-",
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg pcm extract failed: %w (stderr: %s)", err, truncate(stderr.String(), 500))
	}

	samples := make([]float64, len(out)/8)
	for i := range samples {
		bits := binary.LittleEndian.Uint64(out[i*8 : i*8+8])
		samples[i] = math.Float64frombits(bits)
	}

	return samples, nil
}

// concatListName derives the list file's name from the output so concurrent
// merges sharing a temp directory never clobber each other's lists.
func concatListName(outputPath string) string {
	base := filepath.Base(outputPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "_list.txt"
}

// CreateTempFile returns a path inside the service's temp directory.
func (s *FFmpegService) CreateTempFile(filename string) string {
	return filepath.Join(s.tempDir, filename)
}

// Cleanup removes temp files, ignoring missing ones.
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, p := range paths {
		if p != "" {
			os.Remove(p)
		}
	}
}

// truncate limits a string to maxLen characters for error output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
