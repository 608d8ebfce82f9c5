package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
version: "1"
name: release-notes
description: Draft release notes from merged PRs.
inputs:
  repo:
    type: string
    required: true
  dry_run:
    type: boolean
    default: false
steps:
  - name: fetch
    type: action
    action:
      name: http.get
      with:
        url: "https://api.example.com/repos/${{inputs.repo}}/pulls"
  - name: draft
    type: generate
    generate:
      generator: summarizer
      context:
        pulls: "${{steps.fetch.output.body}}"
  - name: save
    type: checkpoint
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "1", def.Version)
	assert.Equal(t, "release-notes", def.Name)
	require.Len(t, def.Steps, 3)

	assert.True(t, def.Inputs["repo"].Required)
	assert.Equal(t, InputBoolean, def.Inputs["dry_run"].Type)
	assert.Equal(t, false, def.Inputs["dry_run"].Default)

	fetch := def.Steps[0]
	assert.Equal(t, StepTypeAction, fetch.Type)
	require.NotNil(t, fetch.Action)
	assert.Equal(t, "http.get", fetch.Action.Name)
	assert.Contains(t, fetch.Action.With["url"], "${{inputs.repo}}")

	draft := def.Steps[1]
	require.NotNil(t, draft.Generate)
	assert.Equal(t, "summarizer", draft.Generate.Generator)

	save := def.Steps[2]
	assert.Equal(t, StepTypeCheckpoint, save.Type)
	assert.Nil(t, save.Checkpoint)
}

func TestParseDefinitionRejectsUnknownFields(t *testing.T) {
	bad := `
version: "1"
name: sample
steps:
  - name: s
    type: action
    retries: 3
    action:
      name: noop
`
	_, err := ParseDefinition([]byte(bad))
	require.Error(t, err)

	var lerr *LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ErrCodeValidation, lerr.Code)
	assert.NotEmpty(t, lerr.Details["parse_error"])
}

func TestParseDefinitionRejectsMalformedYAML(t *testing.T) {
	_, err := ParseDefinition([]byte("version: [unclosed"))
	require.Error(t, err)
}

func TestDefinitionJSON(t *testing.T) {
	out, err := DefinitionJSON([]byte(sampleYAML))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "release-notes", doc["name"])
	assert.Len(t, doc["steps"], 3)
}

func TestSubStepsCoversNestedBlocks(t *testing.T) {
	step := StepRecord{
		Name: "decide",
		Type: StepTypeBranch,
		Branch: &BranchConfig{
			Condition: "true",
			Then:      []StepRecord{{Name: "a", Type: StepTypeAction}},
			Else:      []StepRecord{{Name: "b", Type: StepTypeAction}},
		},
	}
	subs := step.SubSteps()
	var names []string
	for _, list := range subs {
		for _, s := range list {
			names = append(names, s.Name)
		}
	}
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}
