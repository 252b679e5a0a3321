package main

import (
	"context"
	"errors"
	"time"

	"github.com/stepflow-io/stepflow/workflow"
)

type OrderEvent struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

type PaymentEvent struct {
	TransactionID string `json:"transactionId"`
}

type OrderResult struct {
	Status        string `json:"status"`
	ReservationID string `json:"reservationId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

// ProcessOrder reserves inventory, waits for the payment provider to confirm
// and finishes the order. Payment confirmations arrive as external events.
func ProcessOrder(ctx *workflow.Context, event OrderEvent) (OrderResult, error) {
	reservationID, err := workflow.Step[string](ctx, "reserve-inventory")
	if err != nil {
		return OrderResult{}, err
	}

	payment, err := workflow.WaitForEvent[PaymentEvent](ctx, "payment-confirmed", map[string]string{"orderId": event.OrderID}, 30*time.Minute)
	if errors.Is(err, workflow.ErrEventTimeout) {
		if _, err := workflow.Step[bool](ctx, "release-inventory"); err != nil {
			return OrderResult{}, err
		}

		return OrderResult{Status: "expired"}, nil
	}
	if err != nil {
		return OrderResult{}, err
	}

	if _, err := workflow.Step[bool](ctx, "ship-order"); err != nil {
		return OrderResult{}, err
	}

	return OrderResult{
		Status:        "shipped",
		ReservationID: reservationID,
		TransactionID: payment.TransactionID,
	}, nil
}

func ReserveInventory(ctx context.Context, event OrderEvent) (string, error) {
	return "res_" + event.OrderID, nil
}

func ReleaseInventory(ctx context.Context, event OrderEvent) (bool, error) {
	return true, nil
}

func ShipOrder(ctx context.Context, event OrderEvent) (bool, error) {
	return true, nil
}
