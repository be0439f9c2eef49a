package segment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// FileSplitter splits pre-recorded files that exceed a downstream provider's
// limits into boundary-aligned segments via ffmpeg's segment muxer. Cutting
// with `-c copy -f segment` re-emits container headers per output file, so
// each segment decodes without its neighbours.
type FileSplitter struct {
	// FFmpegPath is the ffmpeg binary. Default: "ffmpeg" (resolved via PATH).
	FFmpegPath string

	// SegmentSeconds is the target duration of each segment. Default: 300.
	SegmentSeconds int

	// MaxFileBytes is the size above which a file is split. Files at or under
	// the limit are passed through unsplit. Default: 24 MiB.
	MaxFileBytes int64
}

// applyDefaults fills zero fields.
func (s *FileSplitter) applyDefaults() {
	if s.FFmpegPath == "" {
		s.FFmpegPath = "ffmpeg"
	}
	if s.SegmentSeconds <= 0 {
		s.SegmentSeconds = 300
	}
	if s.MaxFileBytes <= 0 {
		s.MaxFileBytes = 24 << 20
	}
}

// Split returns the paths of independently decodable segments of the file at
// path, in playback order. Files within the size limit are returned as-is
// with a no-op cleanup. The caller must invoke cleanup once the segments have
// been consumed; it removes the temporary segment directory.
func (s *FileSplitter) Split(ctx context.Context, path string) (segments []string, cleanup func(), err error) {
	s.applyDefaults()
	noop := func() {}

	info, err := os.Stat(path)
	if err != nil {
		return nil, noop, fmt.Errorf("segment: stat %q: %w", path, err)
	}
	if info.Size() <= s.MaxFileBytes {
		return []string{path}, noop, nil
	}

	tmpDir, err := os.MkdirTemp("", "vocallocal-segments-")
	if err != nil {
		return nil, noop, fmt.Errorf("segment: create temp dir: %w", err)
	}
	cleanup = func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			slog.Warn("segment: failed to remove segment dir", "dir", tmpDir, "err", rmErr)
		}
	}

	ext := filepath.Ext(path)
	pattern := filepath.Join(tmpDir, "segment_%03d"+ext)

	// -c copy keeps the original encoding; -reset_timestamps makes each
	// segment start at t=0 so providers see a normal standalone file.
	cmd := exec.CommandContext(ctx, s.FFmpegPath,
		"-y", "-i", path,
		"-f", "segment",
		"-segment_time", fmt.Sprint(s.SegmentSeconds),
		"-c", "copy",
		"-reset_timestamps", "1",
		pattern,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("segment: ffmpeg split %q: %w: %s", path, err, truncate(out, 512))
	}

	segments, err = filepath.Glob(filepath.Join(tmpDir, "segment_*"+ext))
	if err != nil || len(segments) == 0 {
		cleanup()
		return nil, noop, fmt.Errorf("segment: ffmpeg produced no segments for %q", path)
	}
	sort.Strings(segments)

	slog.Info("split file for transcription",
		"path", path,
		"size_bytes", info.Size(),
		"segments", len(segments),
		"segment_seconds", s.SegmentSeconds,
	)
	return segments, cleanup, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
