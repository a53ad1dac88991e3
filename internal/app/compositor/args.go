package compositor

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/confcast/internal/domain"
)

const (
	PlaylistName    = "playlist.m3u8"
	segmentPattern  = "segment_%03d.ts"
	videoFrameRate  = 30
	probeSizeBytes  = 5000000
	defaultDebounce = 3 * time.Second
)

type Config struct {
	FFmpegPath     string
	OutputDir      string
	Debounce       time.Duration
	StopTimeout    time.Duration
	Width          int
	Height         int
	SegmentSeconds int
	ListSize       int

	// MirrorCodecs and MirrorHeaderExtensions restrict what mirror
	// endpoints negotiate. Empty means everything the room offers.
	MirrorCodecs           []string
	MirrorHeaderExtensions []string
}

func DefaultConfig() Config {
	return Config{
		FFmpegPath:     "ffmpeg",
		OutputDir:      "hls",
		Debounce:       defaultDebounce,
		StopTimeout:    5 * time.Second,
		Width:          1280,
		Height:         720,
		SegmentSeconds: 2,
		ListSize:       10,
		MirrorCodecs:   []string{"audio/opus", "video/VP8", "video/H264"},
		MirrorHeaderExtensions: []string{
			"urn:ietf:params:rtp-hdrext:sdes:mid",
			"http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FFmpegPath == "" {
		c.FFmpegPath = d.FFmpegPath
	}
	if c.OutputDir == "" {
		c.OutputDir = d.OutputDir
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = d.Width, d.Height
	}
	if c.SegmentSeconds <= 0 {
		c.SegmentSeconds = d.SegmentSeconds
	}
	if c.ListSize <= 0 {
		c.ListSize = d.ListSize
	}
	return c
}

func splitByKind(inputs []Input) (video, audio []int) {
	for _, in := range inputs {
		switch in.Kind {
		case domain.KindVideo:
			video = append(video, in.Index)
		case domain.KindAudio:
			audio = append(audio, in.Index)
		}
	}
	return video, audio
}

// BuildArgs is the ffmpeg command line that composes inputs into an HLS
// stream inside outDir.
func BuildArgs(inputs []Input, outDir string, cfg Config) []string {
	cfg = cfg.withDefaults()
	probe := strconv.Itoa(probeSizeBytes)
	args := []string{"-loglevel", "verbose", "-analyzeduration", probe, "-probesize", probe, "-y"}
	for _, in := range inputs {
		args = append(args, "-protocol_whitelist", "file,rtp,udp")
		if in.Kind == domain.KindVideo {
			args = append(args, "-r", strconv.Itoa(videoFrameRate))
		}
		args = append(args, "-i", in.SDPPath)
	}

	video, audio := splitByKind(inputs)
	var graph []string
	if f := VideoFilter(video, cfg.Width, cfg.Height); f != "" {
		graph = append(graph, f)
	}
	if f := AudioFilter(audio); f != "" {
		graph = append(graph, f)
	}
	if len(graph) > 0 {
		args = append(args, "-filter_complex", strings.Join(graph, ";"))
	}

	if len(video) > 0 {
		args = append(args, "-map", "[v]",
			"-c:v", "libx264",
			"-preset", "fast",
			"-tune", "zerolatency",
			"-b:v", "1200k",
			"-maxrate", "1200k",
			"-bufsize", "2400k",
			"-threads", "4",
			"-g", strconv.Itoa(videoFrameRate),
			"-keyint_min", strconv.Itoa(videoFrameRate),
			"-sc_threshold", "0",
			"-bf", "0",
			"-profile:v", "baseline",
			"-level", "3.0",
			"-x264opts", "no-scenecut:filler=1",
		)
	}
	switch len(audio) {
	case 0:
	case 1:
		args = append(args, "-map", fmt.Sprintf("%d:a", audio[0]))
	default:
		args = append(args, "-map", "[a]")
	}
	if len(audio) > 0 {
		args = append(args, "-c:a", "aac", "-ar", "48000", "-b:a", "128k")
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(cfg.ListSize),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(outDir, segmentPattern),
		filepath.Join(outDir, PlaylistName),
	)
	return args
}
