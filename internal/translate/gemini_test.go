package translate

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/edgelang/lingod/internal/config"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.TranslatorConfig{
		Model:          "gemini-2.0-flash",
		RequestTimeout: 30 * time.Second,
	}

	if _, err := NewClient(context.Background(), cfg, logger); err == nil {
		t.Error("NewClient() error = nil, want missing API key error")
	}
}

func TestParseTranslation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		input      string
		wantText   string
		wantSource string
		wantErr    bool
	}{
		{
			name:       "valid payload",
			input:      `{"translated_text": "hola", "detected_source_language": "en"}`,
			wantText:   "hola",
			wantSource: "en",
		},
		{
			name:       "source code normalized to lower case",
			input:      `{"translated_text": "bonjour", "detected_source_language": " EN "}`,
			wantText:   "bonjour",
			wantSource: "en",
		},
		{
			name:       "missing detected source still usable",
			input:      `{"translated_text": "ciao"}`,
			wantText:   "ciao",
			wantSource: "",
		},
		{
			name:    "missing translated text",
			input:   `{"detected_source_language": "en"}`,
			wantErr: true,
		},
		{
			name:    "not JSON",
			input:   "hola",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseTranslation(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseTranslation(%q) error = nil, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTranslation(%q) error = %v", tt.input, err)
			}
			if got.Text != tt.wantText {
				t.Errorf("parseTranslation() text = %q, want %q", got.Text, tt.wantText)
			}
			if got.DetectedSource != tt.wantSource {
				t.Errorf("parseTranslation() detected source = %q, want %q", got.DetectedSource, tt.wantSource)
			}
		})
	}
}

func TestFormatRequest(t *testing.T) {
	t.Parallel()

	withHint := formatRequest(Request{Text: "hello", Source: "en", Target: "es"})
	if !strings.Contains(withHint, "Source language: en") {
		t.Errorf("formatRequest() with hint = %q, missing source line", withHint)
	}
	if !strings.Contains(withHint, "Target language: es") {
		t.Errorf("formatRequest() with hint = %q, missing target line", withHint)
	}
	if !strings.Contains(withHint, "hello") {
		t.Errorf("formatRequest() with hint = %q, missing message text", withHint)
	}

	withoutHint := formatRequest(Request{Text: "hello", Target: "es"})
	if !strings.Contains(withoutHint, "detect automatically") {
		t.Errorf("formatRequest() without hint = %q, missing detection line", withoutHint)
	}
}
