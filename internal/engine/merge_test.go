package engine

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/labeliq/internal/model"
)

func facts(text string, fields map[string]model.Field) model.FactsPayload {
	f := model.NewFactsPayload()
	f.Text = text
	for k, v := range fields {
		f.Fields[k] = v
		f.FieldsAll[k] = []model.Field{v}
	}
	return f
}

func TestMergeFacts_BestConfidenceWins(t *testing.T) {
	merged := MergeFacts([]model.FactsPayload{
		facts("front", map[string]model.Field{
			"common_name": {Text: "Oat Bar", Confidence: 0.6},
			"net_quantity": {Text: "40 g", Confidence: 0.9},
		}),
		facts("back", map[string]model.Field{
			"common_name": {Text: "Oat Bars", Confidence: 0.8},
			"net_quantity": {Text: "40g", Confidence: 0.9},
		}),
	})

	assert.Equal(t, "Oat Bars", merged.FieldText("common_name"), "higher confidence replaces")
	assert.Equal(t, "40 g", merged.FieldText("net_quantity"), "equal confidence keeps the first")
	assert.Len(t, merged.FieldsAll["common_name"], 2)
	assert.Equal(t, "front\nback\n", merged.Text)
}

func TestMergeFacts_PanelsLastWriteWins(t *testing.T) {
	a := model.NewFactsPayload()
	a.Panels["pdp"] = model.Field{Text: "first"}
	b := model.NewFactsPayload()
	b.Panels["pdp"] = model.Field{Text: "second"}

	merged := MergeFacts([]model.FactsPayload{a, b})
	assert.Equal(t, "second", merged.Panels["pdp"].Text)
}

func TestMergeFacts_TextCaps(t *testing.T) {
	long := strings.Repeat("é", MaxImageText+100)
	parts := make([]model.FactsPayload, 8)
	for i := range parts {
		parts[i] = facts(long, nil)
	}

	merged := MergeFacts(parts)
	assert.Equal(t, MaxTotalText, utf8.RuneCountInString(merged.Text))
	assert.True(t, utf8.ValidString(merged.Text))

	one := MergeFacts(parts[:1])
	assert.Equal(t, MaxImageText+1, utf8.RuneCountInString(one.Text))
}

func TestMergeFacts_NormalizesNFC(t *testing.T) {
	decomposed := "cre\u0301me"
	merged := MergeFacts([]model.FactsPayload{
		facts(decomposed, map[string]model.Field{"common_name": {Text: decomposed}}),
	})
	assert.Equal(t, "cr\u00e9me\n", merged.Text)
	assert.Equal(t, "cr\u00e9me", merged.FieldText("common_name"))
	assert.Equal(t, "cr\u00e9me", merged.FieldsAll["common_name"][0].Text)
}

func TestMergeFacts_Empty(t *testing.T) {
	merged := MergeFacts(nil)
	assert.Empty(t, merged.Text)
	assert.NotNil(t, merged.Fields)
	assert.NotNil(t, merged.FieldsAll)
	assert.NotNil(t, merged.Panels)
}

func TestDetectMode(t *testing.T) {
	assert.Equal(t, model.ModeAsIs, DetectMode(facts("", map[string]model.Field{
		"common_name": {Text: "Oat Bar"},
	})))
	assert.Equal(t, model.ModeRelabel, DetectMode(facts("", map[string]model.Field{
		"ingredients_list_foreign": {Text: "avoine"},
	})))
	assert.Equal(t, model.ModeAsIs, DetectMode(facts("", map[string]model.Field{
		"nft_text_block_foreign": {Text: "  "},
	})), "blank foreign fields do not count")
}

func TestSummarize(t *testing.T) {
	results := map[string]model.AgentResultRecord{
		"a": {Status: model.AgentDone, Results: []model.QuestionResult{
			{Result: model.ResultPass}, {Result: model.ResultFail}, {Result: model.ResultPass},
		}},
		"c": {Status: model.AgentError, Results: []model.QuestionResult{{Result: model.ResultNeedsReview}}},
		"b": {Status: model.AgentError, Results: []model.QuestionResult{{Result: model.ResultNeedsReview}}},
	}

	s := Summarize(results)
	assert.Equal(t, 5, s.ChecksTotal)
	assert.Equal(t, 2, s.ChecksPassed)
	assert.Equal(t, 40.0, s.ComplianceScore)
	assert.Equal(t, []string{"b", "c"}, s.ErroredAgents)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.ComplianceScore)
	assert.NotNil(t, s.ErroredAgents)
}

func TestSummarize_Rounding(t *testing.T) {
	s := Summarize(map[string]model.AgentResultRecord{
		"a": {Status: model.AgentDone, Results: []model.QuestionResult{
			{Result: model.ResultPass}, {Result: model.ResultFail}, {Result: model.ResultFail},
		}},
	})
	assert.Equal(t, 33.33, s.ComplianceScore)
}
