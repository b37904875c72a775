package config_test

import (
	"errors"
	"testing"

	"github.com/proctorlabs/vivace/internal/config"
	"github.com/proctorlabs/vivace/pkg/provider/llm"
	llmmock "github.com/proctorlabs/vivace/pkg/provider/llm/mock"
	"github.com/proctorlabs/vivace/pkg/provider/stt"
	sttmock "github.com/proctorlabs/vivace/pkg/provider/stt/mock"
)

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	want := &llmmock.Provider{}
	r.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		return want, nil
	})

	got, err := r.CreateLLM(config.ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if got != want {
		t.Error("CreateLLM returned a different provider than the factory produced")
	}
}

func TestRegistry_CreateUnregistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	_, err := r.CreateSTT(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_OverwriteRegistration(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	first := &sttmock.Provider{}
	second := &sttmock.Provider{}
	r.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Provider, error) { return first, nil })
	r.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Provider, error) { return second, nil })

	got, err := r.CreateSTT(config.ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if got != second {
		t.Error("later registration should overwrite the earlier one")
	}
}

func TestRegistry_EntryPassedToFactory(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	var gotEntry config.ProviderEntry
	r.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		gotEntry = entry
		return &llmmock.Provider{}, nil
	})

	entry := config.ProviderEntry{Name: "mock", Model: "gpt-4o", APIKey: "sk-test"}
	if _, err := r.CreateLLM(entry); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if gotEntry.Model != "gpt-4o" || gotEntry.APIKey != "sk-test" {
		t.Errorf("factory received entry %+v, want %+v", gotEntry, entry)
	}
}
