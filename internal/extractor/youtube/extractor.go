// Package youtube fetches videos, and their audio tracks, from YouTube.
package youtube

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hbomb79/Relay/internal/extractor"
	"github.com/hbomb79/Relay/internal/ffmpeg"
	"github.com/hbomb79/Relay/pkg/logger"
	"github.com/kkdai/youtube/v2"
)

var log = logger.Get("YouTube")

const (
	Name = "youtube"

	// AudioCallbackPrefix prefixes the inline button payload requesting the
	// audio track of a video; the watch URL follows it.
	AudioCallbackPrefix = "yt_audio_"

	InvalidVideoReply  = "The URL does not seem to be a valid YouTube video link."
	InvalidMusicReply  = "The URL does not seem to be a valid YouTube music link."
	VideoTooLargeReply = "The video is too large."
	AudioTooLargeReply = "The audio file is too large."

	DefaultTargetHeight = 1080

	videoWatchPrefix = "https://youtube.com/watch?v="
	musicWatchPrefix = "https://music.youtube.com/watch?v="
	stagedTimeLayout = "20060102_150405"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

type (
	// VideoClient is the subset of the kkdai/youtube client used here.
	VideoClient interface {
		GetVideoContext(ctx context.Context, id string) (*youtube.Video, error)
		GetStreamContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error)
	}

	Config struct {
		MaxSize      extractor.MaxSize
		TargetHeight int
	}

	Extractor struct {
		client VideoClient
		prober ffmpeg.Prober
		config Config
		now    func() time.Time
	}
)

func NewClient(httpClient *http.Client) *youtube.Client {
	return &youtube.Client{HTTPClient: httpClient}
}

func New(client VideoClient, prober ffmpeg.Prober, config Config) *Extractor {
	if config.TargetHeight <= 0 {
		config.TargetHeight = DefaultTargetHeight
	}

	return &Extractor{client: client, prober: prober, config: config, now: time.Now}
}

func (e *Extractor) Name() string { return Name }

func (e *Extractor) Classify(u *url.URL) (extractor.Classification, error) {
	variant := extractor.YoutubeVideo
	switch u.Hostname() {
	case "youtube.com", "youtu.be", "youtube-nocookie.com":
	case "music.youtube.com":
		variant = extractor.Music
	default:
		return extractor.Classification{}, extractor.ErrUnsupportedHost
	}

	id := videoID(u)
	if !videoIDPattern.MatchString(id) {
		reply := InvalidVideoReply
		if variant == extractor.Music {
			reply = InvalidMusicReply
		}
		return extractor.Classification{}, extractor.InputError(reply, fmt.Errorf("no video id in youtube url %s", u))
	}

	return classification(id, variant), nil
}

// AudioOnly converts a video classification in to the classification of
// its audio track.
func (e *Extractor) AudioOnly(class extractor.Classification) (extractor.Classification, error) {
	if class.Source != Name {
		return extractor.Classification{}, extractor.InputError(InvalidMusicReply, fmt.Errorf("%s is not a youtube classification", class.CanonicalURL))
	}

	return classification(class.Subject, extractor.Music), nil
}

// AudioCallback returns the callback payload offering the audio track of
// a video. Audio classifications offer nothing.
func (e *Extractor) AudioCallback(class extractor.Classification) string {
	if class.Variant != extractor.YoutubeVideo {
		return ""
	}

	return AudioCallbackPrefix + videoWatchPrefix + class.Subject
}

func (e *Extractor) Describe(ctx context.Context, class extractor.Classification) (*extractor.Description, error) {
	video, err := e.client.GetVideoContext(ctx, class.Subject)
	if err != nil {
		return nil, extractor.FetchError(fmt.Errorf("failed to fetch youtube video %s: %w", class.Subject, err))
	}

	desc := &extractor.Description{Title: video.Title, Performer: video.Author, Duration: video.Duration, Detail: video}
	if class.Variant == extractor.YoutubeVideo {
		desc.Caption = video.Title
	}

	return desc, nil
}

func (e *Extractor) Fetch(ctx context.Context, class extractor.Classification, desc *extractor.Description, dir string) (*extractor.Result, error) {
	video, ok := desc.Detail.(*youtube.Video)
	if !ok || video == nil {
		return nil, extractor.FetchError(fmt.Errorf("description for %s was not produced by the youtube extractor", class.CanonicalURL))
	}

	if class.Variant == extractor.Music {
		return e.fetchAudio(ctx, video, dir)
	}

	return e.fetchVideo(ctx, video, desc.Caption, dir)
}

func (e *Extractor) fetchVideo(ctx context.Context, video *youtube.Video, caption string, dir string) (*extractor.Result, error) {
	format := SelectVideoFormat(video.Formats, e.config.TargetHeight)
	if format == nil {
		return nil, extractor.InputError(InvalidVideoReply, fmt.Errorf("no progressive mp4 format for %s", video.ID))
	}

	path := filepath.Join(dir, e.now().Format(stagedTimeLayout)+"_youtube_video.mp4")
	if err := e.download(ctx, video, format, path, VideoTooLargeReply); err != nil {
		return nil, err
	}

	item := extractor.StagedItem{Path: path, Kind: extractor.Video, Width: format.Width, Height: format.Height, Duration: video.Duration}
	if e.prober != nil {
		if dims, err := e.prober.Probe(path); err != nil {
			log.Emit(logger.WARNING, "Failed to probe %s, using format dimensions: %v\n", path, err)
		} else {
			item.Width, item.Height = dims.Width, dims.Height
		}
	}

	return &extractor.Result{Items: []extractor.StagedItem{item}, Caption: caption}, nil
}

func (e *Extractor) fetchAudio(ctx context.Context, video *youtube.Video, dir string) (*extractor.Result, error) {
	format := SelectAudioFormat(video.Formats)
	if format == nil {
		return nil, extractor.InputError(InvalidMusicReply, fmt.Errorf("no mp4 audio format for %s", video.ID))
	}

	path := filepath.Join(dir, e.now().Format(stagedTimeLayout)+"_youtube_audio.m4a")
	if err := e.download(ctx, video, format, path, AudioTooLargeReply); err != nil {
		return nil, err
	}

	return &extractor.Result{Items: []extractor.StagedItem{{Path: path, Kind: extractor.Audio, Duration: video.Duration}}}, nil
}

// download rejects the format before any bytes are transferred if its size
// is known (or can be estimated) to exceed the limit, and enforces the limit
// again while staging.
func (e *Extractor) download(ctx context.Context, video *youtube.Video, format *youtube.Format, path string, tooLarge string) error {
	if size := EstimateSize(format, video.Duration); size > 0 && !e.config.MaxSize.Allows(size) {
		return extractor.TooLargeError(tooLarge, fmt.Errorf("format %d of %s is %d bytes, limit is %s", format.ItagNo, video.ID, size, e.config.MaxSize))
	}

	stream, _, err := e.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return extractor.FetchError(fmt.Errorf("failed to open youtube stream for %s: %w", video.ID, err))
	}
	defer stream.Close()

	n, err := extractor.StageFile(path, stream, e.config.MaxSize, tooLarge)
	if err != nil {
		return err
	}

	log.Emit(logger.SUCCESS, "Downloaded %s (itag %d, %s) to %s: %d bytes\n", video.ID, format.ItagNo, format.QualityLabel, path, n)
	return nil
}

// SelectVideoFormat prefers a progressive mp4 (one carrying audio) at the
// target height, falling back to the tallest progressive mp4.
func SelectVideoFormat(formats youtube.FormatList, targetHeight int) *youtube.Format {
	var best *youtube.Format
	progressive := formats.WithAudioChannels()
	for i := range progressive {
		f := &progressive[i]
		if !strings.HasPrefix(f.MimeType, "video/mp4") {
			continue
		}
		if f.Height == targetHeight {
			return f
		}
		if best == nil || f.Height > best.Height {
			best = f
		}
	}

	return best
}

// SelectAudioFormat returns the highest bitrate mp4 audio format.
func SelectAudioFormat(formats youtube.FormatList) *youtube.Format {
	var best *youtube.Format
	for i := range formats {
		f := &formats[i]
		if !strings.HasPrefix(f.MimeType, "audio/mp4") {
			continue
		}
		if best == nil || f.Bitrate > best.Bitrate {
			best = f
		}
	}

	return best
}

// EstimateSize returns the content length of the format, or an estimate
// from its average bitrate (the peak bitrate if no average is advertised)
// if the length is not. Zero means unknown.
func EstimateSize(format *youtube.Format, duration time.Duration) int64 {
	if format.ContentLength > 0 {
		return format.ContentLength
	}

	bitrate := format.AverageBitrate
	if bitrate <= 0 {
		bitrate = format.Bitrate
	}

	return int64(float64(bitrate) / 8 * duration.Seconds())
}

func classification(id string, variant extractor.Variant) extractor.Classification {
	prefix := videoWatchPrefix
	if variant == extractor.Music {
		prefix = musicWatchPrefix
	}

	return extractor.Classification{
		Source:       Name,
		Variant:      variant,
		Subject:      id,
		CanonicalURL: prefix + id,
		Cacheable:    true,
	}
}

func videoID(u *url.URL) string {
	if u.Hostname() == "youtu.be" {
		return strings.Trim(u.Path, "/")
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch segments[0] {
	case "watch":
		return u.Query().Get("v")
	case "shorts", "embed", "live", "v":
		if len(segments) > 1 {
			return segments[1]
		}
	}

	return ""
}
