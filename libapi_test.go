package silverline

import (
	"context"
	"errors"
	"testing"
)

func TestConstructorsPropagateErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := NewRuntime(ctx, nil, NopLogger(), RuntimeDependencies{}); err == nil {
		t.Fatal("expected error for nil config")
	}

	cfg := DefaultConfig()
	if _, err := NewClient(ctx, &cfg, nil, ClientDependencies{}); !errors.Is(err, ErrLoggerRequired) {
		t.Fatalf("expected logger required error, got %v", err)
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	logger.Info("boot", LogFields{"component": "test"})
}

func TestProfileModeExport(t *testing.T) {
	mode, err := ParseProfileMode("timed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != ModeTimed {
		t.Fatalf("expected %q, got %q", ModeTimed, mode)
	}
	if _, err := ParseProfileMode("bogus"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected unknown mode error, got %v", err)
	}
}

func TestTrafficGeneratorExport(t *testing.T) {
	gen, err := NewTrafficGenerator(1, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := gen.Generate()
	if string(payload[:4]) != ">>> " {
		t.Fatalf("expected marker prefix, got %q", payload[:4])
	}
}

func TestShortIDExport(t *testing.T) {
	if got := ShortID("0b4d6f9e-2c1a-4bb7-9f0e-1c2d3e4f00ab"); got != "00ab" {
		t.Fatalf("expected 00ab, got %q", got)
	}
}

func TestChannelTransportRegistered(t *testing.T) {
	if !DefaultTransportRegistry.Has("channel") {
		t.Fatal("expected channel transport to be registered")
	}
	if GetCapabilities("mqtt").RequiresWillEmulation() {
		t.Fatal("expected mqtt to hold the last will on the broker")
	}
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Warn(args ...any)  {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
