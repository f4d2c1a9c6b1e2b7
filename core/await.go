package core

import "context"

type awaitOutcome struct {
	code    ResultCode
	payload string
}

// Await starts an operation and blocks until its callback fires or ctx ends.
// A non-Ok result is returned as an error carrying the result code. When ctx
// ends first the operation keeps running and its callback is discarded;
// callers that retry must not start a second one until it reports back.
//
//	payload, err := core.Await(ctx, func(done func(core.ResultCode, string)) {
//		engine.CredentialSummary("merchant.example", done)
//	})
func Await(ctx context.Context, start func(func(ResultCode, string))) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan awaitOutcome, 1)
	start(func(code ResultCode, payload string) {
		select {
		case done <- awaitOutcome{code: code, payload: payload}:
		default:
		}
	})
	select {
	case out := <-done:
		if out.code.OK() {
			return out.payload, nil
		}
		return out.payload, ErrorFromResult(out.code, "")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AwaitResult is Await for operations that report only a result code.
func AwaitResult(ctx context.Context, start func(func(ResultCode))) error {
	_, err := Await(ctx, func(done func(ResultCode, string)) {
		start(func(code ResultCode) {
			done(code, "")
		})
	})
	return err
}
