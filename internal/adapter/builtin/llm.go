package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"miesc/internal/adapter"
	"miesc/internal/finding"
)

const defaultLLMModel = "gemini-2.0-flash"

const llmPrompt = `You are a smart-contract security auditor. Analyze the
Solidity source below and report vulnerabilities as a JSON object:
{"findings": [{"detector": "...", "vuln_class": "...", "severity_native":
"low|medium|high|critical", "confidence": 0.0-1.0, "title": "...",
"description": "...", "remediation": "...", "location": {"file": %q,
"line_start": N, "line_end": N, "contract": "...", "function": "..."}}]}
Use lowercase hyphenated vulnerability classes (reentrancy-eth, tx-origin,
integer-overflow, controlled-delegatecall, ...). Report only issues you can
point at a specific line. Respond with JSON only.

File: %s
---
%s`

// llmDetector asks a Gemini model to audit the source and emits its JSON
// findings (layer 6). The endpoint is remote, so failures are transient and
// the adapter is retryable.
type llmDetector struct {
	apiKey string
	model  string

	mu     sync.Mutex
	client *genai.Client
}

// NewLLMDetector builds the AI detector. An empty model selects the
// default. An empty API key leaves the adapter registered but unavailable.
func NewLLMDetector(apiKey, model string) adapter.Adapter {
	if model == "" {
		model = defaultLLMModel
	}
	return &llmDetector{apiKey: apiKey, model: model}
}

func (d *llmDetector) Metadata() adapter.Tool {
	return adapter.Tool{
		ID:        "llm-detector",
		Name:      "LLM vulnerability detector",
		Layer:     adapter.LayerAI,
		Category:  adapter.CategoryAI,
		Optional:  true,
		Version:   d.model,
		Retryable: true,
	}
}

func (d *llmDetector) Availability(ctx context.Context) adapter.Availability {
	if d.apiKey == "" {
		return adapter.RequiresCredential
	}
	if _, err := d.getClient(ctx); err != nil {
		return adapter.ExternalDown
	}
	return adapter.Available
}

func (d *llmDetector) getClient(ctx context.Context) (*genai.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: d.apiKey})
	if err != nil {
		return nil, err
	}
	d.client = client
	return client, nil
}

func (d *llmDetector) Analyze(ctx context.Context, ref adapter.ContractRef, opts adapter.Options) (adapter.RawOutput, error) {
	out := adapter.RawOutput{Tool: "llm-detector"}

	if d.apiKey == "" {
		return out, adapter.NewError(adapter.KindToolUnavailable, "llm-detector", adapter.ErrNoCredential)
	}
	source, file, err := sourceOf(ref)
	if err != nil {
		return out, adapter.NewError(adapter.KindInputInvalid, "llm-detector", err)
	}
	client, err := d.getClient(ctx)
	if err != nil {
		return out, adapter.NewError(adapter.KindToolFailedTransient, "llm-detector",
			fmt.Errorf("%w: %v", adapter.ErrEndpointUnreachable, err))
	}

	prompt := fmt.Sprintf(llmPrompt, file, file, source)
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	resp, err := client.Models.GenerateContent(ctx, d.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, adapter.NewError(adapter.KindToolFailedTransient, "llm-detector",
			fmt.Errorf("%w: %v", adapter.ErrEndpointUnreachable, err))
	}

	out.Data = []byte(stripFences(responseText(resp)))
	return out, nil
}

func (d *llmDetector) Normalize(raw adapter.RawOutput) ([]finding.RawFinding, error) {
	if len(raw.Data) == 0 {
		return nil, nil
	}
	findings, err := parseGeneric("llm-detector", raw.Data)
	if err != nil {
		return nil, err
	}
	// Model self-reported confidence is optimistic; the FP prior table
	// does the real discounting, but an unclipped 1.0 is never credible.
	for i := range findings {
		if findings[i].Confidence > 0.9 {
			findings[i].Confidence = 0.9
		}
	}
	return findings, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// stripFences removes a markdown code fence the model may wrap its JSON in
// despite the MIME type hint.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
