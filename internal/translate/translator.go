// Package translate provides message translation between account language
// pairs using Google's Gemini API.
package translate

import "context"

// Request describes one translation. Source may be empty, in which case
// the provider detects the source language.
type Request struct {
	Text   string
	Source string
	Target string
}

// Result carries the translated text and the language the provider
// detected the input to be in.
type Result struct {
	Text           string
	DetectedSource string
}

// Translator defines the interface for translation operations used by the
// message pipeline.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}
