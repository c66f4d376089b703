// Package gemini generates post content and images with the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	logx "postpilot/pkg/logx"
)

const (
	DefaultContentModel = "gemini-2.5-flash"
	DefaultImageModel   = "gemini-2.5-flash-image"
)

type Config struct {
	APIKey       string
	ContentModel string
	ImageModel   string
	// ImagesDir receives generated files; PublicBaseURL prefixes their URL.
	ImagesDir     string
	PublicBaseURL string
}

// generator is the single SDK call both providers make.
type generator interface {
	generate(ctx context.Context, model string, json bool, prompt string) (*genai.GenerateContentResponse, error)
}

type sdkGenerator struct {
	client *genai.Client
}

func (g sdkGenerator) generate(ctx context.Context, model string, json bool, prompt string) (*genai.GenerateContentResponse, error) {
	m := g.client.GenerativeModel(model)
	m.SafetySettings = safetySettings
	if json {
		m.ResponseMIMEType = "application/json"
		m.ResponseSchema = contentSchema
		m.SetTemperature(0.9)
	}
	return m.GenerateContent(ctx, genai.Text(prompt))
}

var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockMediumAndAbove},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockMediumAndAbove},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockMediumAndAbove},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockMediumAndAbove},
}

var contentSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"image_prompt": {Type: genai.TypeString, Description: "Detailed prompt for a 1:1 social media image."},
		"caption":      {Type: genai.TypeString, Description: "Facebook caption, 50-150 words."},
	},
	Required: []string{"image_prompt", "caption"},
}

// Client holds one SDK client shared by the content and image providers.
type Client struct {
	cfg    Config
	gen    generator
	closer func() error
	log    logx.Logger
}

func New(ctx context.Context, cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key required")
	}
	gc, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newClient(cfg, sdkGenerator{client: gc}, gc.Close, log), nil
}

func newClient(cfg Config, gen generator, closer func() error, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ContentModel == "" {
		cfg.ContentModel = DefaultContentModel
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = DefaultImageModel
	}
	if closer == nil {
		closer = func() error { return nil }
	}
	return &Client{cfg: cfg, gen: gen, closer: closer, log: log}
}

func (c *Client) Close() error { return c.closer() }

func firstCandidateParts(resp *genai.GenerateContentResponse) ([]genai.Part, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("no candidates returned")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return nil, fmt.Errorf("empty candidate (finish reason %s)", cand.FinishReason)
	}
	return cand.Content.Parts, nil
}
