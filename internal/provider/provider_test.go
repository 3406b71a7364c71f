package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestParseFormat(t *testing.T) {
	for _, f := range AllFormats() {
		got, err := ParseFormat(string(f))
		if err != nil || got != f {
			t.Errorf("ParseFormat(%q) = %v, %v", f, got, err)
		}
	}
	for _, bad := range []string{"", "ogg", "MP3", "mp4"} {
		if _, err := ParseFormat(bad); err == nil {
			t.Errorf("ParseFormat(%q) should fail", bad)
		}
	}
}

func TestContentType(t *testing.T) {
	if ct := FormatMP3.ContentType(); ct != "audio/mpeg" {
		t.Errorf("mp3 content type = %q", ct)
	}
	if ct := Format("bogus").ContentType(); ct != "application/octet-stream" {
		t.Errorf("unknown format content type = %q", ct)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindSuccess},
		{"classified client", &Error{Kind: KindClient}, KindClient},
		{"wrapped classified", fmt.Errorf("attempt: %w", &Error{Kind: KindTimeout}), KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"opaque", errors.New("connection reset"), KindTransient},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("%s: KindOf = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	if e := ClassifyStatus("p", 503, nil); e.Kind != KindTransient {
		t.Errorf("503 classified %v", e.Kind)
	}
	if e := ClassifyStatus("p", 429, nil); e.Kind != KindTransient {
		t.Errorf("429 classified %v", e.Kind)
	}
	if e := ClassifyStatus("p", 404, nil); e.Kind != KindClient {
		t.Errorf("404 classified %v", e.Kind)
	}

	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	if e := ClassifyStatus("p", 500, long); len(e.Message) != 512 {
		t.Errorf("body not truncated, len = %d", len(e.Message))
	}
}

func TestBaseCapabilities(t *testing.T) {
	b := &Base{Settings: Settings{Name: "b", Formats: []Format{FormatMP3}}}

	if b.Weight() != 1 {
		t.Errorf("unset weight = %d, want 1", b.Weight())
	}
	if !b.SupportsFormat(FormatMP3) || b.SupportsFormat(FormatWAV) {
		t.Error("format capability mismatch")
	}
	if !b.SupportsVoice("anything") {
		t.Error("empty voice list must accept any voice")
	}

	b.Settings.Voices = []string{"alloy"}
	if b.SupportsVoice("nova") || !b.SupportsVoice("alloy") {
		t.Error("declared voice list not honored")
	}
}
