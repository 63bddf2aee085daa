package notify

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	var n Notifier = Log{Logger: logger}
	require.NoError(t, n.Notify(context.Background(), "payout failed for burn x"))
	assert.Contains(t, buf.String(), `"alert":true`)
	assert.Contains(t, buf.String(), "payout failed for burn x")
	assert.Contains(t, buf.String(), `"level":"warning"`)
}
