package p

// Work around module issues. The analyzer just looks for `*workflow.Context`
import (
	"fmt"
	"math/rand"
	"time"

	workflow "context"
)

func wf(ctx *workflow.Context) error {
	return nil
}

func wfWithResult(ctx *workflow.Context) (string, error) {
	return "", nil
}

func wfWithTooManyResults(ctx *workflow.Context) (int, string, error) { // want "workflow \"wfWithTooManyResults\" returns more than two values"
	return 42, "", nil
}

func wfWrongOrder(ctx *workflow.Context) (error, string) { // want "workflow \"wfWrongOrder\" doesn't return `error` as last return value"
	return nil, ""
}

func wfWithoutReturn(ctx *workflow.Context) { // want "workflow \"wfWithoutReturn\" doesn't return anything. needs to return at least `error`"
}

func wfIteratingOverMap(ctx *workflow.Context) error {
	x := make(map[string]string)

	fmt.Println("log")

	for _, v := range x { // want "iterating over a map is not deterministic and not allowed in workflow functions"
		if v == "a" {
			return nil
		}
	}

	return nil
}

func wfUsingGoRoutine(ctx *workflow.Context) error {
	go func() { // want "spawning goroutines in workflow functions breaks deterministic replay"
		fmt.Println("hello")
	}()

	return nil
}

func wfUsingTime(ctx *workflow.Context) error {
	now := time.Now() // want "time.Now is not deterministic, use a step or workflow.Sleep instead"
	fmt.Println(now)

	time.Sleep(time.Second) // want "time.Sleep blocks replay, use workflow.Sleep instead"

	return nil
}

func wfUsingRand(ctx *workflow.Context) error {
	fmt.Println(rand.Int()) // want "random values are not deterministic, produce them in a step instead"

	return nil
}

func notAWorkflow(x int) error {
	for range map[string]string{} {
		time.Sleep(time.Second)
	}

	return nil
}
