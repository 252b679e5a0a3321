package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/backend/sqlite"
	"github.com/stepflow-io/stepflow/client"
	"github.com/stepflow-io/stepflow/driver"
	"github.com/stepflow-io/stepflow/registry"
	"github.com/stepflow-io/stepflow/runner"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tp, err := newTracerProvider(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer tp.Shutdown(context.Background())

	otel.SetTracerProvider(tp)

	store := sqlite.NewSqliteStore("orders.sqlite")
	defer store.Close()

	r := registry.New()
	must(r.RegisterWorkflow("process-order", ProcessOrder))
	must(r.RegisterStep("reserve-inventory", ReserveInventory))
	must(r.RegisterStep("release-inventory", ReleaseInventory))
	must(r.RegisterStep("ship-order", ShipOrder))

	d := driver.New(store, r,
		driver.WithBackendOptions(
			backend.WithLogger(logger),
			backend.WithTracerProvider(tp),
		),
	)
	defer d.Close()

	rn := runner.New(store, d, r, runner.WithLogger(logger))

	c := client.New(store, backend.WithLogger(logger), backend.WithTracerProvider(tp))

	mux := http.NewServeMux()

	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, req *http.Request) {
		var event OrderEvent
		if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		run, err := c.CreateRun(req.Context(), client.RunOptions{RunID: "order-" + event.OrderID}, "process-order", event)
		if err != nil {
			if errors.Is(err, backend.ErrRunAlreadyExists) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}

			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		go func() {
			if _, err := rn.Run(ctx, run.ID); err != nil {
				logger.Error("Run failed", "runId", run.ID, "error", err)
			}
		}()

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(run)
	})

	mux.HandleFunc("GET /orders/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := c.GetRun(req.Context(), "order-"+req.PathValue("id"))
		if err != nil {
			if errors.Is(err, backend.ErrRunNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}

			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		json.NewEncoder(w).Encode(run)
	})

	mux.HandleFunc("POST /orders/{id}/payment", func(w http.ResponseWriter, req *http.Request) {
		var payment PaymentEvent
		if err := json.NewDecoder(req.Body).Decode(&payment); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := rn.DeliverEvent("order-"+req.PathValue("id"), "payment-confirmed", payment); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /orders/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		if err := d.Cancel(req.Context(), "order-"+req.PathValue("id")); err != nil {
			if errors.Is(err, backend.ErrRunNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}

			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})

	server := &http.Server{Addr: ":8080", Handler: mux}

	go func() {
		logger.Info("Listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt)
	<-sigint

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

func newTracerProvider(ctx context.Context) (*trace.TracerProvider, error) {
	r := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("stepflow-web-sample"),
		semconv.ServiceVersionKey.String("v0.1.0"),
	)

	stdoutexp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	opts := []trace.TracerProviderOption{
		trace.WithSyncer(stdoutexp),
		trace.WithResource(r),
	}

	// Forward traces to an OTLP collector when one is configured
	if endpoint := os.Getenv("OTLP_ENDPOINT"); endpoint != "" {
		oclient := otlptracehttp.NewClient(otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		exp, err := otlptrace.New(ctx, oclient)
		if err != nil {
			return nil, err
		}

		opts = append(opts, trace.WithBatcher(exp))
	}

	return trace.NewTracerProvider(opts...), nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
