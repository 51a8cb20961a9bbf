// Package groutine starts goroutines carrying a pprof label and a name in
// their context, so stack dumps and profiles show which bridge worker is which.
package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
)

type nameKey struct{}

// Label is the pprof label key set on every goroutine started by Go.
const Label = "blegate_goroutine"

// Go runs fn on a new goroutine labelled name. A nil parent means
// context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels(Label, name), func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey{}, name))
	})
}

// Name returns the name Go attached to ctx, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(nameKey{}).(string)
	return name
}

// GetGID parses the current goroutine ID out of the runtime stack header.
// Use it for identity checks and logs only.
func GetGID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
		return gid
	}
	return 0
}
