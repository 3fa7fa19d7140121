package engine

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/labeliq/internal/model"
)

// Text caps applied while merging, in runes.
const (
	MaxImageText = 5000
	MaxTotalText = 30000
)

// foreignFields mark a label that carries foreign-language copy.
var foreignFields = []string{
	"common_name_foreign",
	"ingredients_list_foreign",
	"nft_text_block_foreign",
	"contains_statement_foreign",
}

// MergeFacts combines the facts extracted from each image of a manifest.
//
// Text is NFC-normalized and concatenated in image order, each image capped
// at MaxImageText and the whole at MaxTotalText. For each field the first
// value seen wins unless a later one has strictly higher confidence; every
// candidate is kept in FieldsAll. Panels are last-write-wins.
func MergeFacts(parts []model.FactsPayload) model.FactsPayload {
	out := model.NewFactsPayload()
	var text strings.Builder
	for _, p := range parts {
		text.WriteString(truncateRunes(norm.NFC.String(p.Text), MaxImageText))
		text.WriteString("\n")

		for k, f := range p.Fields {
			f.Text = norm.NFC.String(f.Text)
			cur, ok := out.Fields[k]
			if !ok || f.Confidence > cur.Confidence {
				out.Fields[k] = f
			}
		}
		for k, fs := range p.FieldsAll {
			for _, f := range fs {
				f.Text = norm.NFC.String(f.Text)
				out.FieldsAll[k] = append(out.FieldsAll[k], f)
			}
		}
		for k, f := range p.Panels {
			out.Panels[k] = f
		}
	}
	out.Text = truncateRunes(text.String(), MaxTotalText)
	return out
}

// DetectMode returns RELABEL when any foreign-language field carries text.
func DetectMode(facts model.FactsPayload) model.Mode {
	for _, k := range foreignFields {
		if strings.TrimSpace(facts.FieldText(k)) != "" {
			return model.ModeRelabel
		}
	}
	return model.ModeAsIs
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
