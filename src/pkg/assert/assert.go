package assert

import "fmt"

func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}

func NoError(err error) {
	if err != nil {
		panic(fmt.Sprintf("unexpected error: %+v", err))
	}
}

// Cast panics if the untyped value doesn't hold T.
func Cast[T any](v any) T {
	r, ok := v.(T)
	Assert(ok, "cannot cast %T to %T", v, r)
	return r
}
