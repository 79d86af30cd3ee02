package providers

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	name string
}

func (f *fakeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Content: f.name}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	return f.Chat(ctx, req)
}

func (f *fakeProvider) DefaultModel() string { return "" }
func (f *fakeProvider) Name() string         { return f.name }

func stubFactory(name string) Factory {
	return func() (Provider, error) {
		return &fakeProvider{name: name}, nil
	}
}

func TestRegistryForModel(t *testing.T) {
	r := NewRegistry()
	r.Register("claude", stubFactory("anthropic"))
	r.Register("gpt", stubFactory("openai"))
	r.Register("o1", stubFactory("openai"))
	r.Register("o3", stubFactory("openai"))
	r.Register("gemini", stubFactory("gemini"))

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-20250514", "anthropic"},
		{"claude-opus-4", "anthropic"},
		{"gpt-4o", "openai"},
		{"o1-preview", "openai"},
		{"o3-mini", "openai"},
		{"gemini-2.5-flash", "gemini"},
		{"mystery-model", "anthropic"}, // unmatched falls back to claude route
		{"", "anthropic"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, err := r.ForModel(tt.model)
			if err != nil {
				t.Fatalf("ForModel(%q) error: %v", tt.model, err)
			}
			if p.Name() != tt.want {
				t.Errorf("ForModel(%q) = %q, want %q", tt.model, p.Name(), tt.want)
			}
		})
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	r := NewRegistry()
	r.Register("claude", stubFactory("short"))
	r.Register("g", stubFactory("short"))
	r.Register("gpt", stubFactory("long"))

	p, err := r.ForModel("gpt-4o")
	if err != nil {
		t.Fatalf("ForModel error: %v", err)
	}
	if p.Name() != "long" {
		t.Errorf("got %q, want %q (longest prefix must win)", p.Name(), "long")
	}
}

func TestRegistryCachesInstances(t *testing.T) {
	builds := 0
	r := NewRegistry()
	r.Register("claude", func() (Provider, error) {
		builds++
		return &fakeProvider{name: "anthropic"}, nil
	})

	for i := 0; i < 3; i++ {
		if _, err := r.ForModel("claude-sonnet-4-20250514"); err != nil {
			t.Fatalf("ForModel error: %v", err)
		}
	}
	if builds != 1 {
		t.Errorf("factory ran %d times, want 1", builds)
	}
}

func TestRegistryFactoryErrorNotCached(t *testing.T) {
	keyPresent := false
	r := NewRegistry()
	r.Register("claude", func() (Provider, error) {
		if !keyPresent {
			return nil, errors.New("no API key")
		}
		return &fakeProvider{name: "anthropic"}, nil
	})

	if _, err := r.ForModel("claude-sonnet-4-20250514"); err == nil {
		t.Fatal("expected error while key missing")
	}

	keyPresent = true
	p, err := r.ForModel("claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("ForModel after key appeared: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("got %q, want %q", p.Name(), "anthropic")
	}
}
