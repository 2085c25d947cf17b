package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	tp, shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tp.(*sdktrace.TracerProvider); ok {
		t.Error("expected a no-op provider")
	}
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	if span.SpanContext().IsValid() {
		t.Error("no-op provider produced a recording span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	tp, shutdown, err := Setup(context.Background(), Config{
		Endpoint:       collector.URL + "/v1/traces",
		ServiceVersion: "test",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tp.(*sdktrace.TracerProvider); !ok {
		t.Fatalf("provider = %T", tp)
	}
	if otel.GetTracerProvider() != tp {
		t.Error("global provider not installed")
	}
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	if !span.SpanContext().IsValid() {
		t.Error("span context is not valid")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestNewTracerProviderRequiresEndpoint(t *testing.T) {
	if _, err := NewTracerProvider(context.Background(), Config{}); err == nil {
		t.Error("expected error")
	}
}

func TestTransportPropagates(t *testing.T) {
	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
	}))
	defer srv.Close()

	if _, _, err := Setup(context.Background(), Config{}); err != nil {
		t.Fatal(err)
	}
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background()) //nolint:errcheck

	client := &http.Client{Transport: Transport(nil, tp)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close() //nolint:errcheck

	if traceparent == "" {
		t.Error("traceparent header not sent")
	}
	if n := len(exp.GetSpans()); n != 1 {
		t.Errorf("spans = %d, want 1", n)
	}
}
