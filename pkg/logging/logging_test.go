package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("hello", Room("r1"), User("u1"), Conn("c1"), Err(errors.New("boom")))

	out := buf.String()
	assert.Contains(t, out, "room_id=r1")
	assert.Contains(t, out, "user_id=u1")
	assert.Contains(t, out, "conn_id=c1")
	assert.Contains(t, out, "error=boom")
}

func TestErrNil(t *testing.T) {
	assert.Equal(t, "", Err(nil).Value.String())
}

func TestWithDerivesChild(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	ctx, log := With(WithContext(context.Background(), base), Channel("room:r1"))
	log.Info("a")
	FromContext(ctx).Info("b")
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("channel=room:r1")))
}
