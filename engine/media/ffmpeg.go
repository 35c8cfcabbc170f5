package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/pkg/fn"
)

// Overridable for tests.
var ffmpegPath = "ffmpeg"

// DecodeVideo extracts the keyframes of a video as BGR frames. It shells
// out to ffmpeg, which reads the container from stdin and emits one binary
// PPM image per keyframe on stdout.
func DecodeVideo(ctx context.Context, r io.Reader) <-chan fn.Result[Frame] {
	out := make(chan fn.Result[Frame], 4)
	go func() {
		defer close(out)

		cmd := exec.CommandContext(ctx, ffmpegPath,
			"-vsync", "0",
			"-skip_frame", "nokey",
			"-hide_banner",
			"-threads", "1",
			"-loglevel", "error",
			"-i", "pipe:",
			"-vcodec", "ppm",
			"-f", "rawvideo",
			"pipe:")
		cmd.Stdin = r
		cmd.WaitDelay = time.Second
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			out <- fn.Err[Frame](fmt.Errorf("media: ffmpeg stdout: %w: %w", domain.ErrDecode, err))
			return
		}
		if err := cmd.Start(); err != nil {
			out <- fn.Err[Frame](fmt.Errorf("media: start ffmpeg: %w: %w", domain.ErrDecode, err))
			return
		}

		br := bufio.NewReader(stdout)
		for {
			frame, err := readPPMFrame(br)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				out <- fn.Err[Frame](err)
				cmd.Process.Kill()
				cmd.Wait()
				return
			}
			select {
			case out <- fn.Ok(frame):
			case <-ctx.Done():
				cmd.Process.Kill()
				cmd.Wait()
				return
			}
		}

		if err := cmd.Wait(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			out <- fn.Err[Frame](fmt.Errorf("media: ffmpeg: %w: %s", domain.ErrDecode, msg))
		}
	}()
	return out
}

// readPPMFrame parses one binary PPM image from the concatenated stream
// ffmpeg produces. A clean end of the stream is reported as io.EOF.
func readPPMFrame(br *bufio.Reader) (Frame, error) {
	magic, err := readLine(br)
	if err != nil {
		if errors.Is(err, io.EOF) && magic == "" {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("media: read ppm header: %w: %w", domain.ErrDecode, err)
	}
	if magic == "" {
		return Frame{}, io.EOF
	}
	if magic != "P6" {
		return Frame{}, fmt.Errorf("media: unsupported ffmpeg frame format %q: %w", magic, domain.ErrDecode)
	}

	dims, err := readLine(br)
	if err != nil {
		return Frame{}, fmt.Errorf("media: read ppm dimensions: %w: %w", domain.ErrDecode, err)
	}
	var w, h int
	if _, err := fmt.Sscanf(dims, "%d %d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return Frame{}, fmt.Errorf("media: bad ppm dimensions %q: %w", dims, domain.ErrDecode)
	}

	maxval, err := readLine(br)
	if err != nil {
		return Frame{}, fmt.Errorf("media: read ppm maxval: %w: %w", domain.ErrDecode, err)
	}
	if maxval != "255" {
		return Frame{}, fmt.Errorf("media: ppm maxval has to be 255, it is %s: %w", maxval, domain.ErrDecode)
	}

	pix := make([]byte, w*h*3)
	if _, err := io.ReadFull(br, pix); err != nil {
		return Frame{}, fmt.Errorf("media: short ppm frame: %w: %w", domain.ErrDecode, err)
	}
	// ffmpeg emits RGB, the pipeline works on BGR.
	for i := 0; i < len(pix); i += 3 {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
	return Frame{W: w, H: h, Pix: pix}, nil
}

func readLine(br *bufio.Reader) (string, error) {
	s, err := br.ReadString('\n')
	return strings.TrimSpace(s), err
}
