package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const ollamaDefaultModel = "llama3.1:latest"

type ollamaProvider struct {
	client *api.Client
	model  string
}

func (p *ollamaProvider) Init(cfg Config) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		host := strings.TrimSpace(cfg.OllamaHost)
		if host == "" {
			host = "http://localhost:11434"
		}
		u, uerr := url.Parse(host)
		if uerr != nil {
			return fmt.Errorf("ollama: bad host %q: %w", host, uerr)
		}
		client = api.NewClient(u, nil)
	}
	p.client = client
	p.model = ollamaDefaultModel
	if m := strings.TrimSpace(cfg.Model); m != "" {
		p.model = m
	}
	return nil
}

func (p *ollamaProvider) DefaultModel() string { return ollamaDefaultModel }

func (p *ollamaProvider) AllowedModelOrDefault(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return p.model
}

func (p *ollamaProvider) generate(ctx context.Context, prompt, model string, format json.RawMessage) (string, error) {
	if p.client == nil {
		return "", ErrNotInitialized
	}
	stream := false
	req := &api.GenerateRequest{
		Model:  p.AllowedModelOrDefault(model),
		Prompt: prompt,
		Format: format,
		Stream: &stream,
	}
	var out strings.Builder
	err := p.client.Generate(ctx, req, func(gr api.GenerateResponse) error {
		out.WriteString(gr.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return out.String(), nil
}

func (p *ollamaProvider) Generate(ctx context.Context, prompt, model string) (string, error) {
	return p.generate(ctx, prompt, model, nil)
}

func (p *ollamaProvider) GenerateJSON(ctx context.Context, prompt, model string, schema any) (string, error) {
	format := json.RawMessage(`"json"`)
	if schema != nil {
		b, err := json.Marshal(schema)
		if err != nil {
			return "", fmt.Errorf("ollama marshal schema: %w", err)
		}
		format = b
	}
	return p.generate(ctx, prompt+"\n\nReturn ONLY strict JSON. No extra text.", model, format)
}
