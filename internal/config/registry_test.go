package config

import (
	"context"
	"errors"
	"testing"

	"github.com/earshot-audio/earshot/pkg/provider/asr"
	asrmock "github.com/earshot-audio/earshot/pkg/provider/asr/mock"
	"github.com/earshot-audio/earshot/pkg/provider/vad"
	vadmock "github.com/earshot-audio/earshot/pkg/provider/vad/mock"
)

func TestRegistry_CreateASR(t *testing.T) {
	r := NewRegistry()
	var gotEntry ProviderEntry
	r.RegisterASR("fake", func(entry ProviderEntry) (asr.Provider, error) {
		gotEntry = entry
		return &asrmock.Provider{}, nil
	})

	entry := ProviderEntry{Name: "fake", APIKey: "k"}
	p, err := r.CreateASR(entry)
	if err != nil {
		t.Fatalf("CreateASR: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
	if gotEntry.APIKey != "k" {
		t.Errorf("factory did not receive the entry: %+v", gotEntry)
	}
	if _, err := p.Open(context.Background(), asr.StreamConfig{}); err != nil {
		t.Errorf("mock open: %v", err)
	}
}

func TestRegistry_CreateASR_NotRegistered(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateASR(ProviderEntry{Name: "ghost"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("want ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_CreateVAD(t *testing.T) {
	r := NewRegistry()
	r.RegisterVAD("fake", func(ProviderEntry) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})

	e, err := r.CreateVAD(ProviderEntry{Name: "fake"})
	if err != nil {
		t.Fatalf("CreateVAD: %v", err)
	}
	if e == nil {
		t.Fatal("engine is nil")
	}
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	r.RegisterASR("dup", func(ProviderEntry) (asr.Provider, error) { return nil, errors.New("old") })
	r.RegisterASR("dup", func(ProviderEntry) (asr.Provider, error) { return &asrmock.Provider{}, nil })

	if _, err := r.CreateASR(ProviderEntry{Name: "dup"}); err != nil {
		t.Errorf("overwritten factory should win, got %v", err)
	}
}
