package tracer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetupInstallsNoopProvider(t *testing.T) {
	tests := []struct {
		name string
		s    Settings
	}{
		{"disabled", Settings{Enabled: false}},
		{"noop exporter", Settings{Enabled: true, Exporter: "noop"}},
		{"empty exporter", Settings{Enabled: true, Exporter: ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), tt.s)
			require.NoError(t, err)
			defer shutdown(context.Background())

			_, ok := otel.GetTracerProvider().(noop.TracerProvider)
			assert.True(t, ok, "expected noop provider, got %T", otel.GetTracerProvider())
		})
	}
}

func TestSetupStdoutExporter(t *testing.T) {
	shutdown, err := Setup(context.Background(), Settings{Enabled: true, Exporter: "stdout"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Settings{Enabled: true, Exporter: "jaeger"})
	assert.ErrorContains(t, err, "unsupported exporter")
}

func TestSpanHelpers(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, span := StartSpan(context.Background(), "fleet.test")
	require.NotNil(t, ctx)

	SetOK(span)
	RecordError(span, errors.New("backend down"))
	span.End()
}

func TestAttrHelpers(t *testing.T) {
	s := StringAttr("backend", "primary")
	assert.Equal(t, "backend", string(s.Key))
	assert.Equal(t, "primary", s.Value.AsString())

	i := IntAttr("workers", 42)
	assert.Equal(t, "workers", string(i.Key))
	assert.EqualValues(t, 42, i.Value.AsInt64())
}
