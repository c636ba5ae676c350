package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

const geminiDefaultModel = "gemini-2.0-flash"

type geminiProvider struct {
	client *genai.Client
	model  string
}

func (p *geminiProvider) Init(cfg Config) error {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is not set")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("gemini client init: %w", err)
	}
	p.client = client
	p.model = geminiDefaultModel
	if m := strings.TrimSpace(cfg.Model); m != "" {
		p.model = m
	}
	return nil
}

func (p *geminiProvider) DefaultModel() string { return geminiDefaultModel }

func (p *geminiProvider) AllowedModelOrDefault(model string) string {
	m := strings.TrimSpace(model)
	if m == "" {
		return p.model
	}
	// Foreign model names fall back to the configured default.
	if !strings.HasPrefix(strings.ToLower(m), "gemini-") {
		return p.model
	}
	return m
}

func (p *geminiProvider) generate(ctx context.Context, prompt, model string, cfg *genai.GenerateContentConfig) (string, error) {
	if p.client == nil {
		return "", ErrNotInitialized
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.AllowedModelOrDefault(model), genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

func (p *geminiProvider) Generate(ctx context.Context, prompt, model string) (string, error) {
	return p.generate(ctx, prompt, model, nil)
}

func (p *geminiProvider) GenerateJSON(ctx context.Context, prompt, model string, schema any) (string, error) {
	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	if schema != nil {
		cfg.ResponseJsonSchema = schema
	}
	return p.generate(ctx, prompt, model, cfg)
}
