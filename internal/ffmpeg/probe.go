// Package ffmpeg reads stream information for staged media using ffprobe.
package ffmpeg

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
)

var ErrNoVideoStream = errors.New("no video stream found")

type (
	// Dimensions of the first video stream in a file. Duration is in
	// whole seconds.
	Dimensions struct {
		Width    int
		Height   int
		Duration int
	}

	// Prober extracts Dimensions from a media file on disk.
	Prober interface {
		Probe(path string) (Dimensions, error)
	}

	FfprobeConfig struct {
		FfprobeBinPath string
	}

	ffprobe struct {
		config FfprobeConfig
	}
)

func NewProber(config FfprobeConfig) Prober {
	return &ffprobe{config}
}

func (p *ffprobe) Probe(path string) (Dimensions, error) {
	metadata, err := ProbeFile(path, p.config.FfprobeBinPath)
	if err != nil {
		return Dimensions{}, err
	}

	return DimensionsOf(metadata)
}

func ProbeFile(path string, binPath string) (transcoder.Metadata, error) {
	cfg := ffmpeg.Config{FfprobeBinPath: binPath}
	metadata, err := ffmpeg.New(&cfg).Input(path).GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to extract file metadata information using ffprobe: %w", err)
	}

	return metadata, nil
}

// DimensionsOf selects the first video stream from the metadata. The
// duration is taken from the container, as not all streams report one.
func DimensionsOf(metadata transcoder.Metadata) (Dimensions, error) {
	for _, stream := range metadata.GetStreams() {
		if stream.GetCodecType() != "video" {
			continue
		}

		return Dimensions{
			Width:    stream.GetWidth(),
			Height:   stream.GetHeight(),
			Duration: parseDuration(metadata.GetFormat().GetDuration()),
		}, nil
	}

	return Dimensions{}, ErrNoVideoStream
}

// parseDuration turns ffprobe's fractional seconds ("12.480000") in to
// whole seconds, rounding up so short clips never report zero.
func parseDuration(raw string) int {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return 0
	}

	whole := int(f)
	if float64(whole) < f {
		whole++
	}
	return whole
}
