package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/edgelang/lingod/internal/config"
)

type sdkClient struct {
	genaiClient   *genai.Client
	log           *slog.Logger
	contentConfig *genai.GenerateContentConfig
	modelName     string
	maxRetries    int
	retryDelay    time.Duration
	timeout       time.Duration
}

// translationSchema pins the response shape so the model output can be
// parsed without prose stripping.
var translationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"translated_text":          {Type: genai.TypeString, Description: "The translated message text."},
		"detected_source_language": {Type: genai.TypeString, Description: "ISO 639-1 code of the detected source language."},
	},
	Required: []string{"translated_text", "detected_source_language"},
}

// NewClient creates a new Gemini-backed Translator with the provided
// configuration. It initializes the connection to the Gemini API and sets
// up necessary parameters.
func NewClient(ctx context.Context, cfg config.TranslatorConfig, log *slog.Logger) (Translator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("translator API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	baseCfg := &genai.GenerateContentConfig{
		Temperature: &cfg.Temperature,

		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},

		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: TranslatorSystemInstruction}}},

		ResponseMIMEType: "application/json",
		ResponseSchema:   translationSchema,
	}

	logger := log.With("component", "translator")
	logger.Info("Translator client initialized successfully", "model", cfg.Model)
	return &sdkClient{
		genaiClient:   gi,
		log:           logger,
		contentConfig: baseCfg,
		modelName:     cfg.Model,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    time.Duration(cfg.RetryDelaySeconds) * time.Second,
		timeout:       cfg.RequestTimeout,
	}, nil
}

// Translate translates one message into the target language.
func (c *sdkClient) Translate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, fmt.Errorf("translation text is required")
	}
	if req.Target == "" {
		return Result{}, fmt.Errorf("translation target language is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.log.DebugContext(ctx, "Translating message",
		"target", req.Target, "source_hint", req.Source, "length", len(req.Text))

	contents := []*genai.Content{genai.NewContentFromText(formatRequest(req), genai.RoleUser)}

	resp, err := c.generateContentWithRetries(ctx, c.modelName, contents, c.contentConfig)
	if err != nil {
		c.log.ErrorContext(ctx, "Translation API call failed", "target", req.Target, "error", err)
		return Result{}, fmt.Errorf("translation failed: %w", err)
	}

	jsonText, err := c.extractTextFromResponse(ctx, resp)
	if err != nil {
		return Result{}, fmt.Errorf("failed to extract translation response: %w", err)
	}

	result, err := parseTranslation(jsonText)
	if err != nil {
		c.log.ErrorContext(ctx, "Failed to parse translation JSON from response",
			"error", err, "response_text", jsonText)
		return Result{}, err
	}

	c.log.DebugContext(ctx, "Translation completed",
		"target", req.Target, "detected_source", result.DetectedSource)
	return result, nil
}

func (c *sdkClient) generateContentWithRetries(ctx context.Context, modelName string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.GenerateContent(ctx, modelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		c.log.WarnContext(ctx, "Gemini API call failed, checking for retry",
			"attempt", i+1, "max_retries", c.maxRetries, "error", err)

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < c.maxRetries {
				c.log.InfoContext(ctx, "Retrying Gemini API call due to retriable APIError",
					"delay", c.retryDelay, "code", apiErr.Code)
				time.Sleep(c.retryDelay)
				continue
			}
			c.log.ErrorContext(ctx, "Gemini API call failed after max retries with APIError",
				"error", err, "code", apiErr.Code)
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w", c.maxRetries, apiErr.Code, err)
		}

		c.log.ErrorContext(ctx, "Gemini API call failed with non-retriable error", "error", err)
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}

	return nil, err
}

func (c *sdkClient) extractTextFromResponse(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Translation request blocked", "reason", reasonMsg)
		return "", fmt.Errorf("translation blocked by safety filter: %s", reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Translation response missing candidates or content", "finish_reason", finishReason)
		return "", fmt.Errorf("translation returned no content, finish reason: %s", finishReason)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("translation returned empty text")
	}

	return text, nil
}

// formatRequest renders one translation request as the user turn sent to
// the model.
func formatRequest(req Request) string {
	var sb strings.Builder
	if req.Source != "" {
		fmt.Fprintf(&sb, "Source language: %s\n", req.Source)
	} else {
		sb.WriteString("Source language: detect automatically\n")
	}
	fmt.Fprintf(&sb, "Target language: %s\n\nMessage:\n%s", req.Target, req.Text)
	return sb.String()
}

// parseTranslation decodes the schema-constrained JSON payload returned by
// the model.
func parseTranslation(jsonText string) (Result, error) {
	var payload struct {
		TranslatedText         string `json:"translated_text"`
		DetectedSourceLanguage string `json:"detected_source_language"`
	}
	if err := json.Unmarshal([]byte(jsonText), &payload); err != nil {
		return Result{}, fmt.Errorf("invalid translation JSON received: %w", err)
	}
	if payload.TranslatedText == "" {
		return Result{}, fmt.Errorf("translation JSON missing translated_text")
	}

	return Result{
		Text:           payload.TranslatedText,
		DetectedSource: strings.ToLower(strings.TrimSpace(payload.DetectedSourceLanguage)),
	}, nil
}
