package ffmpeg

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
)

// Render windows per unit, in seconds. Cutdowns take the largest slice
// of the source; gif and canvas loops stay short.
const (
	maxCutdownSeconds = 60
	gifSeconds        = 3
	canvasSeconds     = 4
)

// unitWindow splits the source into equal slices and returns the
// window unit i renders: the slice start plus a length capped at
// maxLen. A zero length means the duration is unknown and the render
// should run uncut.
func unitWindow(duration float64, units, i int, maxLen float64) (start, length float64) {
	if units <= 0 || duration <= 0 {
		return 0, 0
	}
	slice := duration / float64(units)
	start = float64(i) * slice
	length = slice
	if length > maxLen {
		length = maxLen
	}
	return start, length
}

// thumbnailPosition spreads capture points evenly, avoiding the very
// first and last frames.
func thumbnailPosition(duration float64, units, i int) float64 {
	if duration <= 0 || units <= 0 {
		return 1
	}
	return duration * float64(i+1) / float64(units+1)
}

func windowArgs(start, length float64) []string {
	if length <= 0 {
		return nil
	}
	return []string{"-ss", formatSeconds(start), "-t", formatSeconds(length)}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func cutdownArgs(src, out string, start, length float64) []string {
	args := windowArgs(start, length)
	args = append(args,
		"-i", src,
		"-c:v", "libx264",
		"-crf", "23",
		"-preset", "medium",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
	)
	return append(args, "-y", out)
}

func gifArgs(src, out string, start, length float64) []string {
	args := windowArgs(start, length)
	args = append(args,
		"-i", src,
		"-vf", "fps=12,scale=480:-1:flags=lanczos",
		"-loop", "0",
	)
	return append(args, "-y", out)
}

func thumbnailArgs(src, out string, position float64) []string {
	return []string{
		"-ss", formatSeconds(position),
		"-i", src,
		"-vframes", "1",
		"-f", "image2",
		"-y", out,
	}
}

func canvasForwardArgs(src, out string, start, length float64) []string {
	args := windowArgs(start, length)
	args = append(args,
		"-i", src,
		"-vf", "scale=720:1280:force_original_aspect_ratio=increase,crop=720:1280,setsar=1",
		"-c:v", "libx264",
		"-crf", "23",
		"-preset", "medium",
		"-an",
	)
	return append(args, "-y", out)
}

func canvasReverseArgs(src, out string) []string {
	return []string{
		"-i", src,
		"-vf", "reverse",
		"-c:v", "libx264",
		"-crf", "23",
		"-preset", "medium",
		"-an",
		"-y", out,
	}
}

func canvasConcatArgs(list, out string) []string {
	return []string{
		"-f", "concat",
		"-safe", "0",
		"-i", list,
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", out,
	}
}

// ffmpeg reports render position on stderr in lines like
// "frame= 120 fps=30 q=28.0 size=512kB time=00:00:05.52 bitrate=...".
var timePattern = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)

// scanRenderProgress drains ffmpeg stderr, reporting the encoded
// fraction of a window lasting windowSeconds. The reader must be
// consumed either way or the process blocks on a full pipe.
func scanRenderProgress(r io.Reader, windowSeconds float64, report func(float64)) {
	if report == nil || windowSeconds <= 0 {
		io.Copy(io.Discard, r)
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if frac, ok := parseTimeLine(scanner.Text(), windowSeconds); ok {
			report(frac)
		}
	}
}

func parseTimeLine(line string, windowSeconds float64) (float64, bool) {
	m := timePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.ParseFloat(m[3], 64)
	elapsed := float64(hours*3600+minutes*60) + seconds
	frac := elapsed / windowSeconds
	if frac > 1 {
		frac = 1
	}
	return frac, true
}
