package provider

import "fmt"

// Format is a requested audio container/codec.
type Format string

const (
	FormatMP3  Format = "mp3"
	FormatWAV  Format = "wav"
	FormatOpus Format = "opus"
	FormatAAC  Format = "aac"
	FormatFLAC Format = "flac"
	FormatPCM  Format = "pcm"
)

var contentTypes = map[Format]string{
	FormatMP3:  "audio/mpeg",
	FormatWAV:  "audio/wav",
	FormatOpus: "audio/opus",
	FormatAAC:  "audio/aac",
	FormatFLAC: "audio/flac",
	FormatPCM:  "audio/pcm",
}

// ParseFormat validates a caller-supplied response_format value.
func ParseFormat(s string) (Format, error) {
	f := Format(s)
	if _, ok := contentTypes[f]; !ok {
		return "", fmt.Errorf("unsupported response_format %q", s)
	}
	return f, nil
}

// AllFormats lists every format the gateway understands, in a stable order.
func AllFormats() []Format {
	return []Format{FormatMP3, FormatWAV, FormatOpus, FormatAAC, FormatFLAC, FormatPCM}
}

func (f Format) ContentType() string {
	if ct, ok := contentTypes[f]; ok {
		return ct
	}
	return "application/octet-stream"
}

func (f Format) String() string { return string(f) }
