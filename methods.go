package streamrpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler implements one method exposed to peers. The returned value is
// JSON encoded into the RESPONSE of a REQUEST and ignored for a NOTIFY.
type Handler func(ctx context.Context, args Args) (any, error)

// Methods is a method table: the capabilities a peer may invoke.
type Methods map[string]Handler

// Args are the positional, still JSON encoded, arguments of a method call.
type Args []json.RawMessage

// EncodeArgs JSON encodes positional arguments.
func EncodeArgs(args ...any) (Args, error) {
	encoded := make(Args, len(args))
	for i, arg := range args {
		buf, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot encode argument %d: %w", i, err)
		}
		encoded[i] = buf
	}
	return encoded, nil
}

// Decode unmarshals the i-th argument into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("%w: missing argument %d", ErrProtocolViolation, i)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("%w: argument %d: %w", ErrProtocolViolation, i, err)
	}
	return nil
}

// Scan decodes the leading arguments into vs, in order.
func (a Args) Scan(vs ...any) error {
	for i, v := range vs {
		if err := a.Decode(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Func0 adapts a function without argument to a `Handler`.
func Func0[R any](fn func(context.Context) (R, error)) Handler {
	return func(ctx context.Context, _ Args) (any, error) {
		return fn(ctx)
	}
}

// Func1 adapts a typed function of one argument to a `Handler`.
func Func1[A, R any](fn func(context.Context, A) (R, error)) Handler {
	return func(ctx context.Context, args Args) (any, error) {
		var a A
		if err := args.Scan(&a); err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
}

// Func2 adapts a typed function of two arguments to a `Handler`.
func Func2[A, B, R any](fn func(context.Context, A, B) (R, error)) Handler {
	return func(ctx context.Context, args Args) (any, error) {
		var a A
		var b B
		if err := args.Scan(&a, &b); err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}
}

// Call sends a REQUEST over conn and decodes its result into R.
func Call[R any](ctx context.Context, conn *Connection, method string, args ...any) (R, error) {
	var result R
	raw, err := conn.Request(ctx, method, args...)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("%w: cannot decode result of %s: %w", ErrProtocolViolation, method, err)
	}
	return result, nil
}

// invoke runs handler, turning a panic into an error.
func invoke(ctx context.Context, handler Handler, args Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, args)
}
