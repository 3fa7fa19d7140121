package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/labeliq/internal/docstore"
	"github.com/roach88/labeliq/internal/model"
)

// SidecarSuffix is appended to an image key to find its pre-extracted facts.
const SidecarSuffix = ".facts.json"

// StaticExtractor reads facts that were extracted ahead of time and stored
// next to each image as <image>.facts.json. An image without a sidecar
// yields empty facts.
type StaticExtractor struct {
	Store docstore.Store
}

// Extract implements Extractor.
func (e StaticExtractor) Extract(ctx context.Context, img model.Image) (model.FactsPayload, error) {
	facts := model.NewFactsPayload()
	err := docstore.GetJSON(ctx, e.Store, img.Path+SidecarSuffix, &facts)
	if errors.Is(err, docstore.ErrNotExist) {
		return model.NewFactsPayload(), nil
	}
	if err != nil {
		return model.FactsPayload{}, fmt.Errorf("read sidecar for %s: %w", img.Path, err)
	}
	if facts.Fields == nil {
		facts.Fields = map[string]model.Field{}
	}
	if facts.FieldsAll == nil {
		facts.FieldsAll = map[string][]model.Field{}
	}
	if facts.Panels == nil {
		facts.Panels = map[string]model.Field{}
	}
	return facts, nil
}
