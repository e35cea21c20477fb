package tracing

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestNewSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
		{0, "ParentBased{root:TraceIDRatioBased{0}"},
	}
	for _, tt := range tests {
		if got := newSampler(tt.ratio).Description(); !strings.HasPrefix(got, tt.want) {
			t.Errorf("newSampler(%v) = %q, want prefix %q", tt.ratio, got, tt.want)
		}
	}
}

func TestNewResource(t *testing.T) {
	res, err := newResource(Settings{Service: "hms-import", Version: "1.2.0", Env: "staging"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	want := map[string]string{
		string(semconv.ServiceNamespaceKey):      Namespace,
		string(semconv.ServiceNameKey):           "hms-import",
		string(semconv.ServiceVersionKey):        "1.2.0",
		string(semconv.DeploymentEnvironmentKey): "staging",
	}
	for _, kv := range res.Attributes() {
		if w, ok := want[string(kv.Key)]; ok {
			if kv.Value.AsString() != w {
				t.Errorf("%s = %q, want %q", kv.Key, kv.Value.AsString(), w)
			}
			delete(want, string(kv.Key))
		}
	}
	for k := range want {
		t.Errorf("missing attribute %s", k)
	}
}

func TestStartWithoutCollector(t *testing.T) {
	tp, err := Start(context.Background(), Settings{Service: "hms-relay", Ratio: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tp.Shutdown(context.Background())

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if sc := span.SpanContext(); !sc.IsValid() || !sc.IsSampled() {
		t.Errorf("span context = %+v, want a sampled span", sc)
	}
}

func TestShutdownNil(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
