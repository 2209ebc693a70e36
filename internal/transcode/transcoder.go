package transcode

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis/internal/model"
)

// frameProgressPattern matches the "frame=<K>" lines a transcoder
// subprocess emits on stderr; N (total frames) is read once up front from
// the source file's own frame count, as reported by ProbeFrames.
var frameProgressPattern = regexp.MustCompile(`frame=\s*(\d+)`)

// SubprocessTranscoder runs an external command (default: ffmpeg) over a
// Stay's `.replay` recording file, tracking progress off its stderr the
// way lib/sshutils/sftp/sftp.go tracks transfer progress with
// schollz/progressbar/v3 — here without a terminal renderer, since no
// interactive client is attached to a background worker.
type SubprocessTranscoder struct {
	// RecordingDir is recordings/rdp under the gateway's data directory:
	// it holds the `<stay_id>.replay` source files and is where
	// `<stay_id>.mp4` outputs are written.
	RecordingDir string
	// Command builds the argv for converting src to dst, conventionally
	// an ffmpeg invocation; overridable for tests.
	Command func(src, dst string) []string
	// ProbeFrames returns the total frame count used for ETA math.
	ProbeFrames func(src string) (int, error)

	Log *logrus.Entry
}

func (t *SubprocessTranscoder) Run(ctx context.Context, job model.TranscodeJob, report func(k, n int), trackPID func(pid int32)) (string, error) {
	src := filepath.Join(t.RecordingDir, job.StayID+".replay")
	dst := filepath.Join(t.RecordingDir, job.StayID+".mp4.tmp")
	finalDst := filepath.Join(t.RecordingDir, job.StayID+".mp4")

	total := 0
	if t.ProbeFrames != nil {
		if n, err := t.ProbeFrames(src); err == nil {
			total = n
		}
	}

	args := t.Command(src, dst)
	if len(args) == 0 {
		return "", trace.BadParameter("no transcoder command configured")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := cmd.Start(); err != nil {
		return "", trace.Wrap(err)
	}
	if trackPID != nil && cmd.Process != nil {
		trackPID(int32(cmd.Process.Pid))
	}

	bar := progressbar.NewOptions(total, progressbar.OptionSetWriter(progressWriterDiscard{}))
	scanner := bufio.NewScanner(stderr)
	frames := 0
	lastLine := ""
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lastLine = line
		}
		if m := frameProgressPattern.FindStringSubmatch(line); m != nil {
			if k, err := strconv.Atoi(m[1]); err == nil {
				frames = k
				_ = bar.Set(k)
				if report != nil {
					report(frames, total)
				}
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		os.Remove(dst)
		return "", trace.Wrap(err, "transcoder exited: %s", lastStderrLine(lastLine, t.Log))
	}
	if err := os.Rename(dst, finalDst); err != nil {
		return "", trace.Wrap(err)
	}
	return finalDst, nil
}

// progressWriterDiscard satisfies progressbar's io.Writer requirement
// without rendering anything to a terminal (this worker has no attached
// client).
type progressWriterDiscard struct{}

func (progressWriterDiscard) Write(p []byte) (int, error) { return len(p), nil }

func lastStderrLine(line string, log *logrus.Entry) string {
	if line != "" {
		return line
	}
	return fmt.Sprintf("see %s logs for detail", log.Data["component"])
}

// DefaultFFmpegCommand builds a straightforward ffmpeg re-encode
// invocation; serve wires it into SubprocessTranscoder.Command, which tests
// may set to another builder.
func DefaultFFmpegCommand(src, dst string) []string {
	return []string{"ffmpeg", "-y", "-i", src, "-c:v", "libx264", dst}
}
