package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/backend/sqlite"
	"github.com/stepflow-io/stepflow/client"
	"github.com/stepflow-io/stepflow/driver"
	"github.com/stepflow-io/stepflow/registry"
	"github.com/stepflow-io/stepflow/runner"
	"github.com/stepflow-io/stepflow/workflow"
)

type OrderEvent struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

type OrderResult struct {
	ChargeID  string `json:"chargeId"`
	Receipted bool   `json:"receipted"`
}

func ProcessOrder(ctx *workflow.Context, event OrderEvent) (OrderResult, error) {
	chargeID, err := workflow.Step[string](ctx, "charge-card")
	if err != nil {
		return OrderResult{}, err
	}

	if err := workflow.Sleep(ctx, "settlement-delay", time.Second); err != nil {
		return OrderResult{}, err
	}

	receipted, err := workflow.Step[bool](ctx, "send-receipt")
	if err != nil {
		return OrderResult{}, err
	}

	return OrderResult{ChargeID: chargeID, Receipted: receipted}, nil
}

func ChargeCard(ctx context.Context, event OrderEvent) (string, error) {
	if event.Amount <= 0 {
		return "", workflow.NewPermanentError(errors.New("invalid amount"))
	}

	return "ch_" + event.OrderID, nil
}

func SendReceipt(ctx context.Context, event OrderEvent) (bool, error) {
	return true, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store := sqlite.NewInMemoryStore()
	defer store.Close()

	r := registry.New()
	if err := r.RegisterWorkflow("process-order", ProcessOrder); err != nil {
		log.Fatal(err)
	}
	if err := r.RegisterStep("charge-card", ChargeCard); err != nil {
		log.Fatal(err)
	}
	if err := r.RegisterStep("send-receipt", SendReceipt); err != nil {
		log.Fatal(err)
	}

	d := driver.New(store, r, driver.WithBackendOptions(backend.WithLogger(logger)))
	defer d.Close()

	rn := runner.New(store, d, r, runner.WithLogger(logger))

	ctx := context.Background()

	c := client.New(store, backend.WithLogger(logger))

	run, err := c.CreateRun(ctx, client.RunOptions{}, "process-order", OrderEvent{OrderID: "o_1", Amount: 100})
	if err != nil {
		log.Fatal(err)
	}

	if _, err := rn.Run(ctx, run.ID); err != nil {
		log.Fatal(err)
	}

	result, err := client.GetRunResult[OrderResult](ctx, c, run.ID, time.Second*10)
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Run finished. Charge:", result.ChargeID)
}
