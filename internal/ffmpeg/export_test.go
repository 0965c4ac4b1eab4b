package ffmpeg

var ParseDuration = parseDuration
