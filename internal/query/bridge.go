// Package query runs flow queries. A query is a Lua chunk executed in a
// sandbox; after a complete run the requested global variables are read
// back as plain Go values.
package query

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shopify/go-lua"
)

const (
	chunkName          = "query"
	globalTableName    = "_G"
	globalTableIndex   = -2
	maxCachedChunks    = 256
	maxConvertDepth    = 32
	cancelCheckEvery   = 1000
	cancelledByContext = "query cancelled"
)

var sandboxExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

// Result holds the variables read back after a run. Names preserves the
// requested order.
type Result struct {
	Vars     map[string]any
	Names    []string
	Duration time.Duration
}

// Bridge compiles and executes queries.
type Bridge struct {
	timeout time.Duration
	chunks  sync.Map
	cached  atomic.Int64
}

// NewBridge creates a Bridge. A zero timeout means runs are bounded only
// by the caller's context.
func NewBridge(timeout time.Duration) *Bridge {
	return &Bridge{timeout: timeout}
}

// Check runs the query exactly as Execute does and discards the values.
func (b *Bridge) Check(ctx context.Context, syntax string, vars []string) error {
	_, err := b.Execute(ctx, syntax, vars)
	return err
}

// Execute compiles and runs syntax, then reads vars from the global
// environment. Engine errors are returned as *Fault.
func (b *Bridge) Execute(ctx context.Context, syntax string, vars []string) (*Result, error) {
	start := time.Now()

	chunk, err := b.compile(syntax)
	if err != nil {
		return nil, err
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	type outcome struct {
		vars map[string]any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := run(ctx, chunk, vars)
		done <- outcome{vars: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if ctx.Err() != nil {
				return nil, contextFault(ctx.Err())
			}
			return nil, o.err
		}
		return &Result{
			Vars:     o.vars,
			Names:    append([]string(nil), vars...),
			Duration: time.Since(start),
		}, nil
	case <-ctx.Done():
		return nil, contextFault(ctx.Err())
	}
}

func (b *Bridge) compile(syntax string) ([]byte, error) {
	sum := sha256.Sum256([]byte(syntax))
	key := hex.EncodeToString(sum[:])
	if v, ok := b.chunks.Load(key); ok {
		return v.([]byte), nil
	}

	L := lua.NewState()
	sandbox(L)
	if err := lua.LoadBuffer(L, syntax, chunkName, "t"); err != nil {
		return nil, faultFrom(L, err)
	}

	var buf bytes.Buffer
	if err := L.Dump(&buf); err != nil {
		return nil, fmt.Errorf("dump chunk: %w", err)
	}

	chunk := buf.Bytes()
	if b.cached.Load() < maxCachedChunks {
		if _, loaded := b.chunks.LoadOrStore(key, chunk); !loaded {
			b.cached.Add(1)
		}
	}
	return chunk, nil
}

// run executes a compiled chunk on a fresh state so globals from one
// query never leak into another.
func run(ctx context.Context, chunk []byte, vars []string) (map[string]any, error) {
	L := lua.NewState()
	sandbox(L)

	lua.SetDebugHook(L, func(l *lua.State, _ lua.Debug) {
		if ctx.Err() != nil {
			lua.Errorf(l, cancelledByContext)
		}
	}, lua.MaskCount, cancelCheckEvery)

	if err := L.Load(bytes.NewReader(chunk), chunkName, "b"); err != nil {
		return nil, faultFrom(L, err)
	}
	if err := L.ProtectedCall(0, 0, 0); err != nil {
		return nil, faultFrom(L, err)
	}

	out := make(map[string]any, len(vars))
	for _, name := range vars {
		L.Global(name)
		out[name] = toGo(L, -1, 0)
		L.Pop(1)
	}
	return out, nil
}

func sandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(globalTableName)
	for _, name := range sandboxExclude {
		L.PushNil()
		L.SetField(globalTableIndex, name)
	}
	L.Pop(1)
}

func faultFrom(L *lua.State, err error) *Fault {
	msg, ok := L.ToString(-1)
	if !ok || msg == "" {
		msg = err.Error()
	}
	name := RuntimeError
	if errors.Is(err, lua.SyntaxError) {
		name = SyntaxError
	}
	return &Fault{Name: name, Message: msg}
}

func contextFault(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Name: TimeoutError, Message: "query exceeded its time limit"}
	}
	return err
}
