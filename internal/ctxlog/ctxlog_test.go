package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_FallsBackToDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestWith_ScopesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithLogger(context.Background(), logger)

	ctx, scoped := With(ctx, "formula", "binutils")
	scoped.Info("hello")
	FromContext(ctx).Info("again")

	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("formula=binutils")))
}
