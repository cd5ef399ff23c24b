package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	spec, err := parseSpec(`{
		"domain": "automotive-os",
		"rules": [{"tag": "interface", "statement": "use the vehicle property api"}],
		"constraints": {"max_latency_ms": "50"},
		"aliases": ["vehicle property api", "차량 속성 API"]
	}`)
	require.NoError(t, err)
	assert.Equal(t, "automotive-os", spec.Domain)
	require.Len(t, spec.Rules, 1)
	assert.Equal(t, "interface", spec.Rules[0].Tag)
	assert.Equal(t, "50", spec.Constraints["max_latency_ms"].Value)
	assert.True(t, spec.HasAlias("차량 속성 api"))
	assert.NotEmpty(t, spec.ID)
}

func TestParseSpecStripsCodeFence(t *testing.T) {
	spec, err := parseSpec("```json\n{\"domain\": \"home-audio\", \"rules\": [{\"statement\": \"mute before switching inputs\"}]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "home-audio", spec.Domain)
	require.Len(t, spec.Rules, 1)
	assert.Equal(t, "general", spec.Rules[0].Tag, "untagged rules get a default tag")
}

func TestParseSpecDropsEmptyRules(t *testing.T) {
	spec, err := parseSpec(`{"domain": "x", "rules": [{"tag": "a", "statement": ""}, {"tag": "b", "statement": "keep"}]}`)
	require.NoError(t, err)
	require.Len(t, spec.Rules, 1)
	assert.Equal(t, "keep", spec.Rules[0].Statement)
}

func TestParseSpecRejectsGarbage(t *testing.T) {
	_, err := parseSpec("the model apologized instead of emitting JSON")
	require.Error(t, err)
}

func TestParseSpecRejectsMissingDomain(t *testing.T) {
	_, err := parseSpec(`{"rules": [{"tag": "a", "statement": "s"}]}`)
	require.Error(t, err)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
