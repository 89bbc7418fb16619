// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := BuildIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty build ID on fresh context, got %q", got)
	}

	ctx = ContextWithBuildID(ctx, "b-123")
	ctx = ContextWithServerID(ctx, "gopls")

	if got := BuildIDFromContext(ctx); got != "b-123" {
		t.Errorf("BuildIDFromContext = %q, want %q", got, "b-123")
	}
	if got := ServerIDFromContext(ctx); got != "gopls" {
		t.Errorf("ServerIDFromContext = %q, want %q", got, "gopls")
	}
}

func TestContextNilSafety(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if got := BuildIDFromContext(nil); got != "" {
		t.Errorf("BuildIDFromContext(nil) = %q, want empty", got)
	}
	//nolint:staticcheck
	ctx := ContextWithBuildID(nil, "b-1")
	if got := BuildIDFromContext(ctx); got != "b-1" {
		t.Errorf("BuildIDFromContext = %q, want %q", got, "b-1")
	}
}

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := ContextWithBuildID(context.Background(), "b-42")
	ctx = ContextWithServerID(ctx, "pyright")

	enriched := WithContext(ctx, logger)
	enriched.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry["build_id"] != "b-42" {
		t.Errorf("build_id = %v, want b-42", entry["build_id"])
	}
	if entry["server_id"] != "pyright" {
		t.Errorf("server_id = %v, want pyright", entry["server_id"])
	}
}

func TestWithContextNoFieldsReturnsSameLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	enriched := WithContext(context.Background(), logger)
	enriched.Info().Msg("plain")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if _, ok := entry["build_id"]; ok {
		t.Error("unexpected build_id field on unenriched logger")
	}
}
