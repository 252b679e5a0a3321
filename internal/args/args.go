package args

import (
	"fmt"
	"reflect"

	"github.com/stepflow-io/stepflow/backend/converter"
	"github.com/stepflow-io/stepflow/backend/payload"
)

// Call invokes fn with the given context argument and, if fn takes a second
// parameter, the event payload decoded into that parameter's type. The
// returned payload is fn's converted result (nil for error-only functions).
//
// fn's shape is validated at registration time, see the registry package.
func Call(c converter.Converter, fn reflect.Value, ctxArg reflect.Value, event payload.Payload) (payload.Payload, error) {
	fnT := fn.Type()

	args := make([]reflect.Value, fnT.NumIn())
	args[0] = ctxArg

	if fnT.NumIn() > 1 {
		arg := reflect.New(fnT.In(1)).Interface()
		if err := c.From(event, arg); err != nil {
			return nil, fmt.Errorf("converting event payload: %w", err)
		}

		args[1] = reflect.ValueOf(arg).Elem()
	}

	r := fn.Call(args)

	if errResult := r[len(r)-1]; !errResult.IsNil() {
		return nil, errResult.Interface().(error)
	}

	var result payload.Payload
	var err error
	if len(r) > 1 {
		result, err = c.To(r[0].Interface())
	} else {
		result, err = c.To(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("converting result: %w", err)
	}

	return result, nil
}
