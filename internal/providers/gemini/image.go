package gemini

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"postpilot/internal/fulfillment"
	logx "postpilot/pkg/logx"
)

// ImageURLPath is where saved images are expected to be served from.
const ImageURLPath = "/images/posts/"

const imagePrompt = `Create a stunning, professional social media image.

%s

IMPORTANT REQUIREMENTS:
- High quality, sharp details
- Professional lighting
- Vibrant but natural colors
- Suitable for Facebook/Instagram, square 1:1
- No text overlays (the caption will be separate)
- Clean composition with visual impact`

var errNoImage = errors.New("no image returned")

// GenerateImage renders req.Prompt and saves the first inline image as
// post_<id>.<ext> under the images dir.
func (c *Client) GenerateImage(ctx context.Context, req fulfillment.ImageRequest) (fulfillment.Image, error) {
	resp, err := c.gen.generate(ctx, c.cfg.ImageModel, false, fmt.Sprintf(imagePrompt, req.Prompt))
	if err != nil {
		return fulfillment.Image{}, fmt.Errorf("gemini image: %w", err)
	}
	parts, err := firstCandidateParts(resp)
	if err != nil {
		return fulfillment.Image{}, errNoImage
	}
	for _, p := range parts {
		blob, ok := p.(genai.Blob)
		if !ok || len(blob.Data) == 0 {
			continue
		}
		return c.save(req.PostID, blob)
	}
	return fulfillment.Image{}, errNoImage
}

func (c *Client) save(postID string, blob genai.Blob) (fulfillment.Image, error) {
	dir := c.cfg.ImagesDir
	if dir == "" {
		dir = "images"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fulfillment.Image{}, fmt.Errorf("images dir: %w", err)
	}
	name := "post_" + postID + extFor(blob.MIMEType)
	full := filepath.Join(dir, name)
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, blob.Data, 0o644); err != nil {
		return fulfillment.Image{}, fmt.Errorf("save image: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return fulfillment.Image{}, fmt.Errorf("save image: %w", err)
	}
	url := strings.TrimRight(c.cfg.PublicBaseURL, "/") + path.Join(ImageURLPath, name)
	c.log.Info("image saved", logx.String("post", postID), logx.String("path", full), logx.Int("bytes", len(blob.Data)))
	return fulfillment.Image{LocalPath: full, URL: url}, nil
}

func extFor(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
