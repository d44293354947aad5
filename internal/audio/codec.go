package audio

import (
	"bytes"
	"fmt"
	"strings"
)

// Format is a recognized audio container format.
type Format string

const (
	FormatWebM    Format = "webm"
	FormatOgg     Format = "ogg"
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatUnknown Format = "unknown"
)

// formats maps declared content types (without codec parameters) to their
// container format. Browsers report MediaRecorder output as one of these.
var formats = map[string]Format{
	"audio/webm":  FormatWebM,
	"video/webm":  FormatWebM,
	"audio/ogg":   FormatOgg,
	"audio/wav":   FormatWAV,
	"audio/wave":  FormatWAV,
	"audio/x-wav": FormatWAV,
	"audio/mpeg":  FormatMP3,
	"audio/mp3":   FormatMP3,
}

// Normalize maps a declared content type (possibly carrying codec parameters,
// e.g. "audio/webm;codecs=opus") to its container format.
func Normalize(encoding string) (Format, error) {
	mime := strings.TrimSpace(strings.ToLower(encoding))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	f, ok := formats[mime]
	if !ok {
		return FormatUnknown, fmt.Errorf("unsupported content type: %s", encoding)
	}
	return f, nil
}

// Allowed reports whether the declared content type is accepted for upload.
func Allowed(encoding string) bool {
	_, err := Normalize(encoding)
	return err == nil
}

// Sniff identifies the container format of a finalized audio blob by its
// magic numbers. Used when the declared encoding is missing or untrusted.
func Sniff(blob []byte) Format {
	switch {
	case len(blob) >= 4 && bytes.Equal(blob[:4], []byte{0x1a, 0x45, 0xdf, 0xa3}):
		return FormatWebM
	case len(blob) >= 4 && bytes.Equal(blob[:4], []byte("OggS")):
		return FormatOgg
	case len(blob) >= 12 && bytes.Equal(blob[:4], []byte("RIFF")) && bytes.Equal(blob[8:12], []byte("WAVE")):
		return FormatWAV
	case len(blob) >= 3 && bytes.Equal(blob[:3], []byte("ID3")):
		return FormatMP3
	case len(blob) >= 2 && blob[0] == 0xff && blob[1]&0xe0 == 0xe0:
		return FormatMP3
	default:
		return FormatUnknown
	}
}

// Ext returns the file extension for a container format, defaulting to .webm
// since that is what MediaRecorder emits most often.
func Ext(f Format) string {
	switch f {
	case FormatOgg:
		return ".ogg"
	case FormatWAV:
		return ".wav"
	case FormatMP3:
		return ".mp3"
	default:
		return ".webm"
	}
}
