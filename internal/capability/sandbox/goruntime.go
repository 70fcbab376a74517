package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// DefaultGoPackages are the standard library packages snippets may import.
var DefaultGoPackages = []string{
	"bytes",
	"encoding/base64",
	"encoding/hex",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"math/big",
	"math/rand",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// GoRuntime interprets Go source with yaegi. Only the allowed packages are
// visible to interpreted code.
type GoRuntime struct {
	allowed []string
	symbols interp.Exports
}

// NewGoRuntime creates a Go runtime limited to DefaultGoPackages.
func NewGoRuntime(packages ...string) *GoRuntime {
	if len(packages) == 0 {
		packages = DefaultGoPackages
	}
	return &GoRuntime{allowed: packages}
}

// Init builds the filtered symbol table.
func (g *GoRuntime) Init(ctx context.Context) error {
	allowed := make(map[string]bool, len(g.allowed))
	for _, p := range g.allowed {
		allowed[p] = true
	}

	g.symbols = make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		// Keys are "import/path/name".
		if allowed[path.Dir(key)] {
			g.symbols[key] = syms
		}
	}
	if _, ok := g.symbols["fmt/fmt"]; !ok {
		return fmt.Errorf("fmt must be among the allowed packages")
	}
	return nil
}

// Exec runs code in a fresh interpreter. Source without a package clause is
// evaluated as a script. Each call captures into its own buffer: an
// interpreter abandoned on timeout may keep writing, but only to the output
// of the call that started it.
func (g *GoRuntime) Exec(ctx context.Context, code string) (res Result, err error) {
	out := &captureBuffer{}

	i := interp.New(interp.Options{Stdout: out, Stderr: out})
	if err := i.Use(g.symbols); err != nil {
		return Result{}, fmt.Errorf("load symbols: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Output: out.seal(), Err: fmt.Errorf("panic: %v", r)}
			err = nil
		}
	}()

	_, evalErr := i.EvalWithContext(ctx, strings.TrimSpace(code))
	return Result{Output: out.seal(), Err: evalErr}, nil
}

// captureBuffer collects interpreter output until sealed. Writes after seal
// are dropped.
type captureBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	sealed bool
}

func (c *captureBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *captureBuffer) seal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	return c.buf.String()
}
