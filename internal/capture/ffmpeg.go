package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"defectcam/internal/logger"
	"defectcam/internal/pipeline"
)

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// maxFrameBuffer bounds the bytes held while waiting for an end marker
const maxFrameBuffer = 8 << 20

// FFmpegSource reads an MJPEG stream from an ffmpeg child process.
// Only the most recent frame is kept; older unread frames are dropped.
type FFmpegSource struct {
	device string
	cmd    *exec.Cmd
	stats  counters

	latest chan []byte   // Capacity 1, newest JPEG
	done   chan struct{} // Closed when the reader exits

	closeOnce sync.Once
}

// NewFFmpegSource starts ffmpeg for a V4L2 device, RTSP or HTTP stream
func NewFFmpegSource(device string, fps, width, height int) (*FFmpegSource, error) {
	if fps <= 0 {
		fps = 10
	}
	s := &FFmpegSource{
		device: device,
		latest: make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	s.stats.stats.Source = device

	s.cmd = exec.Command("ffmpeg", ffmpegArgs(device, fps, width, height)...)

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug(logTag, "ffmpeg: %s", scanner.Text())
		}
	}()
	go s.readLoop(stdout)

	logger.Info(logTag, "Started ffmpeg capture from %s (%dx%d @ %d fps)", device, width, height, fps)
	return s, nil
}

func ffmpegArgs(device string, fps, width, height int) []string {
	out := []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-r", strconv.Itoa(fps), "-q:v", "5", "-"}

	switch {
	case strings.HasPrefix(device, "rtsp://"):
		return append([]string{"-rtsp_transport", "tcp", "-i", device}, out...)
	case strings.HasPrefix(device, "http://"), strings.HasPrefix(device, "https://"):
		return append([]string{"-i", device}, out...)
	}

	in := []string{"-f", "v4l2"}
	if width > 0 && height > 0 {
		in = append(in, "-video_size", fmt.Sprintf("%dx%d", width, height))
	}
	in = append(in, "-framerate", strconv.Itoa(fps), "-i", device)
	return append(in, out...)
}

func (s *FFmpegSource) readLoop(stdout io.Reader) {
	defer close(s.done)

	buf := make([]byte, 0, 1<<20)
	chunk := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buf = s.feed(buf, chunk[:n])
		}
		if err != nil {
			if err != io.EOF {
				logger.Warn(logTag, "ffmpeg read from %s failed: %v", s.device, err)
			}
			return
		}
	}
}

// feed appends data to buf, publishes every complete frame and returns the
// unconsumed bytes. A partial frame larger than maxFrameBuffer is discarded.
func (s *FFmpegSource) feed(buf, data []byte) []byte {
	buf = append(buf, data...)
	for {
		var frame []byte
		frame, buf = extractJPEGFrame(buf)
		if frame == nil {
			break
		}
		s.publish(frame)
	}
	if len(buf) > maxFrameBuffer {
		s.stats.dropped()
		logger.Warn(logTag, "Discarding %d bytes from %s without a frame end", len(buf), s.device)
		return make([]byte, 0, 1<<20)
	}
	return buf
}

// publish replaces any unread frame with frame. readLoop is the only sender.
func (s *FFmpegSource) publish(frame []byte) {
	select {
	case s.latest <- frame:
		return
	default:
	}
	select {
	case <-s.latest:
		s.stats.dropped()
	default:
	}
	s.latest <- frame
}

// Read waits for the next frame
func (s *FFmpegSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	select {
	case data := <-s.latest:
		return s.stats.frame(data)
	case <-s.done:
		// Serve a frame that raced with EOF before giving up
		select {
		case data := <-s.latest:
			return s.stats.frame(data)
		default:
			return nil, ErrSourceClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *FFmpegSource) Stats() pipeline.CaptureStats {
	return s.stats.snapshot()
}

// Close kills ffmpeg and waits for it to exit
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		<-s.done
		s.cmd.Wait()
		logger.Info(logTag, "Stopped ffmpeg capture from %s", s.device)
	})
	return nil
}

// extractJPEGFrame cuts the first complete JPEG out of buf and returns it
// along with the remaining bytes. Bytes before the start marker are discarded.
func extractJPEGFrame(buf []byte) (frame, rest []byte) {
	start := bytes.Index(buf, jpegStart)
	if start < 0 {
		// Keep a trailing 0xFF that may begin the next marker
		if n := len(buf); n > 0 && buf[n-1] == 0xFF {
			return nil, append(buf[:0], 0xFF)
		}
		return nil, buf[:0]
	}
	end := bytes.Index(buf[start+2:], jpegEnd)
	if end < 0 {
		if start > 0 {
			buf = append(buf[:0], buf[start:]...)
		}
		return nil, buf
	}
	end += start + 2 + len(jpegEnd)

	frame = make([]byte, end-start)
	copy(frame, buf[start:end])
	return frame, append(buf[:0], buf[end:]...)
}
