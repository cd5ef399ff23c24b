// Package anthropic implements the extraction collaborator on the
// Anthropic Messages API. The model is prompted to emit a canonical
// specification as strict JSON, which is validated before being
// returned.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/specmem/specmem/extract"
	"github.com/specmem/specmem/schema"
)

var _ extract.Extractor = (*Extractor)(nil)

const systemPrompt = `You convert technical statements into a canonical specification.
Respond with a single JSON object and nothing else:
{
  "domain": "short domain slug, e.g. automotive-os",
  "rules": [{"tag": "category", "statement": "normative statement"}],
  "constraints": {"key": "value"},
  "aliases": ["names and translations the subject is known by"]
}
Keep statements declarative. Include aliases in the utterance language
and in English when both are apparent.`

// Config configures the extractor.
type Config struct {
	// APIKey authenticates against the Anthropic API. Ignored when
	// Client is set.
	APIKey string

	// Model defaults to claude-3-5-haiku-latest; extraction is a
	// high-volume, low-difficulty call.
	Model string

	// MaxTokens bounds the response size. Defaults to 1024.
	MaxTokens int64

	// Client, when set, is used directly instead of constructing one.
	Client *anthropic.Client
}

// Extractor calls the Anthropic Messages API.
type Extractor struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// New creates an Anthropic-backed extractor.
func New(cfg Config) (*Extractor, error) {
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	client := cfg.Client
	if client == nil {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("extract: anthropic: API key is required")
		}
		c := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
		client = &c
	}
	return &Extractor{
		client:    client,
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
	}, nil
}

// wireSpec is the JSON shape the model is prompted to produce.
type wireSpec struct {
	Domain      string            `json:"domain"`
	Rules       []schema.Rule     `json:"rules"`
	Constraints map[string]string `json:"constraints"`
	Aliases     []string          `json:"aliases"`
}

func (e *Extractor) Extract(ctx context.Context, raw, locale string) (*schema.CanonicalSpec, error) {
	user := raw
	if locale != "" {
		user = fmt.Sprintf("[locale: %s]\n%s", locale, raw)
	}

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", extract.ErrExtractionFailed, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	spec, err := parseSpec(text.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", extract.ErrExtractionFailed, err)
	}
	return spec, nil
}

// parseSpec decodes the model output, tolerating markdown code fences
// around the JSON object.
func parseSpec(text string) (*schema.CanonicalSpec, error) {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	var wire wireSpec
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}

	rules := make([]schema.Rule, 0, len(wire.Rules))
	for _, r := range wire.Rules {
		if strings.TrimSpace(r.Statement) == "" {
			continue
		}
		if r.Tag == "" {
			r.Tag = "general"
		}
		rules = append(rules, r)
	}

	spec := &schema.CanonicalSpec{
		ID:            schema.NewID(),
		Domain:        wire.Domain,
		Rules:         rules,
		Aliases:       wire.Aliases,
		SchemaVersion: schema.CurrentSchemaVersion,
	}
	if len(wire.Constraints) > 0 {
		spec.Constraints = make(map[string]schema.Constraint, len(wire.Constraints))
		for k, v := range wire.Constraints {
			spec.Constraints[k] = schema.Constraint{Value: v}
		}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}
