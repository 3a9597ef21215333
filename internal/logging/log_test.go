package logging

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestFromContext_ReturnsAttachedEntry(t *testing.T) {
	entry := rootLogger.WithField("NodeID", "node-1")
	ctx := Context(context.Background(), entry)

	assert.Same(t, entry, FromContext(ctx))
}

func TestFromContext_FallsBackToRoot(t *testing.T) {
	got := FromContext(context.Background())
	assert.Equal(t, rootLogger, got.Logger)
}

func TestSetLevelAndFormat(t *testing.T) {
	defer rootLogger.SetLevel(logrus.InfoLevel)

	assert.NoError(t, SetLevel("debug"))
	assert.Equal(t, logrus.DebugLevel, rootLogger.GetLevel())
	assert.Error(t, SetLevel("chatty"))

	assert.NoError(t, SetFormat("json"))
	assert.IsType(t, &logrus.JSONFormatter{}, rootLogger.Formatter)
	assert.NoError(t, SetFormat("text"))
	assert.Error(t, SetFormat("xml"))
}

func TestOrRoot(t *testing.T) {
	assert.Equal(t, logrus.FieldLogger(rootLogger), OrRoot(nil))
	l := logrus.New()
	assert.Equal(t, logrus.FieldLogger(l), OrRoot(l))
}
