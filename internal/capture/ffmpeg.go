package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/facetrack/internal/config"
	"github.com/kozaktomas/facetrack/internal/logger"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxFrameSize bounds a single MJPEG frame; anything larger is a corrupt stream.
const maxFrameSize = 16 << 20

// closeTimeout bounds how long Close waits for ffmpeg to exit.
const closeTimeout = 3 * time.Second

// FFmpegSource reads an MJPEG stream from an ffmpeg child process.
type FFmpegSource struct {
	ffmpegPath  string
	args        []string
	readTimeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan []byte
	errs   chan error
	exited chan struct{} // closed once ffmpeg has been reaped
	closed bool
}

// NewFFmpegSource locates ffmpeg and prepares the capture arguments.
func NewFFmpegSource(cfg *config.CameraConfig) (*FFmpegSource, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	return &FFmpegSource{
		ffmpegPath:  ffmpegPath,
		args:        ffmpegArgs(cfg),
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// ffmpegArgs builds the command line. Local video devices get the configured
// input format and geometry; regular files are read at their native rate.
func ffmpegArgs(cfg *config.CameraConfig) []string {
	input := cfg.DevicePath()
	args := []string{"-hide_banner", "-loglevel", "error"}

	switch {
	case strings.HasPrefix(input, "/dev/"):
		if cfg.Format != "" {
			args = append(args, "-f", cfg.Format)
		}
		if cfg.Width > 0 && cfg.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
		}
		if cfg.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(cfg.FPS))
		}
	case isRegularFile(input):
		args = append(args, "-re")
	}

	return append(args,
		"-i", input,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Open starts ffmpeg. The device is held until Close.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return errors.New("ffmpeg source already open")
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.ffmpegPath, s.args...) //nolint:gosec // args built from config
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	s.cmd = cmd
	s.cancel = cancel
	s.closed = false
	s.frames = make(chan []byte, 2)
	s.errs = make(chan error, 1)
	s.exited = make(chan struct{})

	go pump(cmd, stdout, &stderr, s.frames, s.errs, s.exited)
	logger.Info("camera opened", "args", strings.Join(s.args, " "))
	return nil
}

// pump splits the MJPEG stream into frames. When the consumer is slow the
// newest frame is dropped rather than blocking ffmpeg.
func pump(cmd *exec.Cmd, r io.Reader, stderr *bytes.Buffer, frames chan<- []byte, errs chan<- error, exited chan<- struct{}) {
	err := SplitJPEG(r, func(frame []byte) {
		select {
		case frames <- frame:
		default:
		}
	})
	waitErr := cmd.Wait()
	close(exited)
	if err == nil {
		err = waitErr
	}
	if err == nil {
		err = io.EOF
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	errs <- err
}

// Read returns the next frame or an error after the read timeout.
func (s *FFmpegSource) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	frames, errs, closed := s.frames, s.errs, s.closed
	s.mu.Unlock()

	if closed || frames == nil {
		return nil, ErrClosed
	}

	timeout := s.readTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-frames:
		return frame, nil
	case err := <-errs:
		// Keep the terminal error visible to later reads.
		errs <- err
		return nil, fmt.Errorf("ffmpeg stream ended: %w", err)
	case <-timer.C:
		return nil, fmt.Errorf("no frame within %v", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops ffmpeg and waits until the process has exited, so that the
// device is free for the next Open.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	exited := s.exited
	s.cmd = nil
	s.closed = true
	s.mu.Unlock()

	select {
	case <-exited:
	case <-time.After(closeTimeout):
		return fmt.Errorf("ffmpeg did not exit within %v", closeTimeout)
	}
	logger.Info("camera released")
	return nil
}

// SplitJPEG scans a concatenated JPEG stream and calls emit for each complete
// image. Bytes before a start-of-image marker are discarded.
func SplitJPEG(r io.Reader, emit func([]byte)) error {
	br := bufio.NewReaderSize(r, 64<<10)
	var frame []byte
	inFrame := false
	var prev byte

	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading mjpeg stream: %w", err)
		}

		if !inFrame {
			if prev == jpegSOI[0] && b == jpegSOI[1] {
				inFrame = true
				frame = append(frame[:0], jpegSOI...)
			}
			prev = b
			continue
		}

		frame = append(frame, b)
		if prev == jpegEOI[0] && b == jpegEOI[1] {
			out := make([]byte, len(frame))
			copy(out, frame)
			emit(out)
			inFrame = false
			prev = 0
			continue
		}
		if len(frame) > maxFrameSize {
			return fmt.Errorf("mjpeg frame exceeds %d bytes", maxFrameSize)
		}
		prev = b
	}
}
