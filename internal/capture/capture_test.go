package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"defectcam/internal/config"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractJPEGFrame(t *testing.T) {
	a := []byte{0xFF, 0xD8, 1, 2, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 3, 0xFF, 0xD9}

	stream := append([]byte{9, 9}, a...)
	stream = append(stream, b[:3]...)

	frame, rest := extractJPEGFrame(stream)
	if !bytes.Equal(frame, a) {
		t.Fatalf("frame = %x", frame)
	}
	if frame, rest = extractJPEGFrame(rest); frame != nil {
		t.Fatal("incomplete frame extracted")
	}

	rest = append(rest, b[3:]...)
	frame, rest = extractJPEGFrame(rest)
	if !bytes.Equal(frame, b) || len(rest) != 0 {
		t.Fatalf("frame = %x rest = %x", frame, rest)
	}
}

func TestExtractKeepsSplitStartMarker(t *testing.T) {
	frame, rest := extractJPEGFrame([]byte{1, 2, 0xFF})
	if frame != nil || !bytes.Equal(rest, []byte{0xFF}) {
		t.Fatalf("frame=%x rest=%x", frame, rest)
	}
	rest = append(rest, 0xD8, 7, 0xFF, 0xD9)
	if frame, _ = extractJPEGFrame(rest); len(frame) != 5 {
		t.Fatalf("frame = %x", frame)
	}
}

func TestFeedDiscardsOversizedPartialFrame(t *testing.T) {
	s := &FFmpegSource{device: "test", latest: make(chan []byte, 1)}

	buf := s.feed(nil, jpegStart)
	junk := make([]byte, 1<<20)
	for i := 0; i < 7; i++ {
		buf = s.feed(buf, junk)
	}
	// Exactly at the limit the partial frame is still kept
	if buf = s.feed(buf, make([]byte, maxFrameBuffer-len(buf))); len(buf) != maxFrameBuffer {
		t.Fatalf("buffer = %d bytes, want %d", len(buf), maxFrameBuffer)
	}
	if buf = s.feed(buf, []byte{0}); len(buf) != 0 {
		t.Fatalf("buffer holds %d bytes past the limit", len(buf))
	}
	if got := s.stats.snapshot().FramesDropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	frame := []byte{0xFF, 0xD8, 5, 0xFF, 0xD9}
	if buf = s.feed(buf, frame); len(buf) != 0 {
		t.Fatalf("rest = %x", buf)
	}
	select {
	case got := <-s.latest:
		if !bytes.Equal(got, frame) {
			t.Fatalf("frame = %x", got)
		}
	default:
		t.Fatal("frame after reset not published")
	}
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs("/dev/video0", 10, 640, 480)
	want := []string{"-f", "v4l2", "-video_size", "640x480", "-framerate", "10", "-i", "/dev/video0"}
	for i, a := range want {
		if args[i] != a {
			t.Fatalf("args = %v", args)
		}
	}
	if args := ffmpegArgs("rtsp://cam/stream", 5, 0, 0); args[0] != "-rtsp_transport" || args[3] != "rtsp://cam/stream" {
		t.Fatalf("rtsp args = %v", args)
	}
}

func TestDirSourceLoops(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.jpg"), testJPEG(t, 8, 4), 0o644)
	os.WriteFile(filepath.Join(dir, "a.jpeg"), testJPEG(t, 16, 8), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	src, err := Open(config.CameraConfig{Kind: "dir", Source: dir})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	widths := []int{16, 8, 16}
	for i, w := range widths {
		f, err := src.Read(ctx)
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if f.Width != w || f.Seq != uint64(i+1) {
			t.Fatalf("frame %d: width=%d seq=%d", i, f.Width, f.Seq)
		}
	}
	if s := src.Stats(); s.FramesCaptured != 3 || s.Source != dir {
		t.Fatalf("stats = %+v", s)
	}

	src.Close()
	if _, err := src.Read(ctx); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPSource(t *testing.T) {
	img := testJPEG(t, 32, 24)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(img)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Second)
	defer src.Close()

	f, err := src.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 32 || f.Height != 24 {
		t.Fatalf("frame %dx%d", f.Width, f.Height)
	}
}

func TestOpenUnknownKind(t *testing.T) {
	if _, err := Open(config.CameraConfig{Kind: "gstreamer"}); err == nil {
		t.Fatal("expected error")
	}
}
