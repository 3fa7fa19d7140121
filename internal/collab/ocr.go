//go:build tesseract

package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/roach88/labeliq/internal/model"
)

func init() {
	localExtractors["tesseract"] = func(ExtractorOptions) (Extractor, error) {
		return &OCRExtractor{Languages: []string{"eng", "fra"}, newClient: gosseract.NewClient}, nil
	}
}

// OCRExtractor runs Tesseract locally. It produces plain text and an "ocr"
// panel; structured fields are left to a downstream extractor.
type OCRExtractor struct {
	Languages []string
	newClient func() *gosseract.Client
}

// Extract implements Extractor.
func (e *OCRExtractor) Extract(ctx context.Context, img model.Image) (model.FactsPayload, error) {
	if err := ctx.Err(); err != nil {
		return model.FactsPayload{}, err
	}
	c := e.newClient()
	defer c.Close()

	if err := c.SetImageFromBytes(img.Data); err != nil {
		return model.FactsPayload{}, fmt.Errorf("set image %s: %w", img.Path, err)
	}
	if len(e.Languages) > 0 {
		if err := c.SetLanguage(e.Languages...); err != nil {
			return model.FactsPayload{}, fmt.Errorf("set languages: %w", err)
		}
	}
	text, err := c.Text()
	if err != nil {
		return model.FactsPayload{}, fmt.Errorf("recognize %s: %w", img.Path, err)
	}

	var conf float64
	if boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD); err == nil && len(boxes) > 0 {
		for _, b := range boxes {
			conf += b.Confidence / 100.0
		}
		conf /= float64(len(boxes))
	}

	facts := model.NewFactsPayload()
	facts.Text = strings.TrimSpace(text)
	facts.Panels["ocr"] = model.Field{Text: facts.Text, Confidence: conf}
	return facts, nil
}
