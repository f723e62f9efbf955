package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestTraced_RecordsClientSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	provider := Traced("memory", NewHub(nil, zap.NewNop().Sugar()))
	client, err := provider.NewClient("app")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Login(ctx, "testuser2", ""))
	require.NoError(t, client.Subscribe(ctx, "testChannel_rtm"))
	require.NoError(t, client.Publish(ctx, "testChannel_rtm", "hello"))
	assert.ErrorIs(t, client.Publish(ctx, "other_rtm", "hello"), ErrNotSubscribed)
	require.NoError(t, client.Logout(ctx))

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"messaging.login", "messaging.subscribe", "messaging.publish", "messaging.publish"}, names)
	assert.Equal(t, codes.Error, recorder.Ended()[3].Status().Code)
}
