package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"postpilot/internal/fulfillment"
	logx "postpilot/pkg/logx"
)

const contentPrompt = `Write content for a Facebook post for this business.

BUSINESS SUMMARY:
%s

DESIRED STYLE:
%s

INSTRUCTIONS:
1. Write an ultra detailed IMAGE PROMPT for a professional image. Include:
   - main subject or scene
   - photographic style (lifestyle, product, conceptual...)
   - specific lighting
   - camera lens and depth of field
   - color palette, mood and composition
   - texture and material details
   - 1:1 format for Instagram/Facebook
2. Write an engaging Facebook CAPTION that:
   - hooks the reader in the first line
   - tells a short story or message with a subtle call to action
   - uses 2-4 emojis and ends with 2-3 relevant hashtags
   - is 50-150 words long

This is post number %d, so be creative and vary the content.

Reply with JSON only: {"image_prompt": "...", "caption": "..."}`

type contentReply struct {
	ImagePrompt string `json:"image_prompt"`
	Caption     string `json:"caption"`
}

// GenerateContent asks the content model for an image prompt and caption.
func (c *Client) GenerateContent(ctx context.Context, req fulfillment.ContentRequest) (fulfillment.Content, error) {
	prompt := fmt.Sprintf(contentPrompt, req.BusinessSummary, req.Style, req.Sequence)
	resp, err := c.gen.generate(ctx, c.cfg.ContentModel, true, prompt)
	if err != nil {
		return fulfillment.Content{}, fmt.Errorf("gemini content: %w", err)
	}
	parts, err := firstCandidateParts(resp)
	if err != nil {
		return fulfillment.Content{}, fmt.Errorf("gemini content: %w", err)
	}
	var text strings.Builder
	for _, p := range parts {
		if t, ok := p.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	out, err := parseContent(text.String())
	if err != nil {
		return fulfillment.Content{}, err
	}
	c.log.Debug("content generated", logx.Int("sequence", req.Sequence), logx.Int("caption_len", len(out.Caption)))
	return out, nil
}

// parseContent reads the outermost JSON object in text; models sometimes
// wrap it in prose or code fences.
func parseContent(text string) (fulfillment.Content, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fulfillment.Content{}, fmt.Errorf("malformed content output: no JSON object in %q", truncate(text, 120))
	}
	var r contentReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return fulfillment.Content{}, fmt.Errorf("malformed content output: %w", err)
	}
	r.ImagePrompt, r.Caption = strings.TrimSpace(r.ImagePrompt), strings.TrimSpace(r.Caption)
	switch {
	case r.ImagePrompt == "":
		return fulfillment.Content{}, fmt.Errorf("malformed content output: missing image_prompt")
	case r.Caption == "":
		return fulfillment.Content{}, fmt.Errorf("malformed content output: missing caption")
	}
	return fulfillment.Content{ImagePrompt: r.ImagePrompt, Caption: r.Caption}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
