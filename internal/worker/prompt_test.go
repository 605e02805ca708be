package worker

import (
	"fmt"
	"strings"
	"testing"

	"accord/internal/contentstore"
)

func TestParseConfig(t *testing.T) {
	model, template := ParseConfig([]byte("model: openai/gpt-4o\nAnswer {{q}} tersely."))
	if model != "openai/gpt-4o" {
		t.Errorf("model = %q", model)
	}
	if template != "Answer {{q}} tersely." {
		t.Errorf("template = %q", template)
	}

	model, template = ParseConfig([]byte("Answer {{q}} tersely."))
	if model != "" || template != "Answer {{q}} tersely." {
		t.Errorf("prompt-only config: model=%q template=%q", model, template)
	}

	// Model line only, no template body.
	model, template = ParseConfig([]byte("model: anthropic/claude"))
	if model != "anthropic/claude" || template != "" {
		t.Errorf("model-only config: model=%q template=%q", model, template)
	}
}

func TestExpandTemplate(t *testing.T) {
	inputs := map[string]string{"q": "6*7?", "style": "terse"}
	got, err := ExpandTemplate("Q: {{q}} Be {{ style }}. Again: {{q}}", inputs, nil, nil)
	if err != nil {
		t.Fatalf("ExpandTemplate: %v", err)
	}
	if got != "Q: 6*7? Be terse. Again: 6*7?" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandTemplateMissingKey(t *testing.T) {
	if _, err := ExpandTemplate("{{missing}}", map[string]string{}, nil, nil); err == nil {
		t.Fatal("expected error for missing input")
	}
}

func TestExpandTemplateResolvesHashes(t *testing.T) {
	doc := "long document body"
	hash := contentstore.HashOf([]byte(doc))
	inputs := map[string]string{"doc": hash, "plain": "x"}

	got, err := ExpandTemplate("{{doc}}|{{plain}}", inputs, contentstore.IsContentHash, func(h string) (string, error) {
		if h != hash {
			return "", fmt.Errorf("unexpected hash %q", h)
		}
		return doc, nil
	})
	if err != nil {
		t.Fatalf("ExpandTemplate: %v", err)
	}
	if got != doc+"|x" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandTemplateResolveFailure(t *testing.T) {
	hash := strings.Repeat("a", 64)
	_, err := ExpandTemplate("{{doc}}", map[string]string{"doc": hash},
		contentstore.IsContentHash,
		func(string) (string, error) { return "", fmt.Errorf("gone") })
	if err == nil {
		t.Fatal("expected resolve error")
	}
}

func TestExtractResult(t *testing.T) {
	cases := []struct {
		in    string
		want  string
		found bool
	}{
		{"preamble<result> 42 </result>trailer", "42", true},
		{"noise<result>99", "99", true},
		{"no tags at all", "no tags at all", false},
		{"<result></result>", "", true},
		{"a<result>x</result>b<result>y</result>", "x", true},
	}
	for _, c := range cases {
		got, found := ExtractResult(c.in)
		if got != c.want || found != c.found {
			t.Errorf("ExtractResult(%q) = %q,%v want %q,%v", c.in, got, found, c.want, c.found)
		}
	}
}
