// Package nlog provides leveled, timestamped logging for flowbroker.
//
// It keeps the teacher's severity-prefixed, caller-tagged line format and
// mutex-guarded single writer, but drops the on-disk rotation/dual-buffer
// pooling machinery: log sinks are explicitly out of scope for this spec,
// so the destination is just whatever io.Writer the embedder installs
// (stdout by default).
package nlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const sevChar = "IWE"

var (
	mu  sync.Mutex
	out io.Writer = os.Stdout
)

// SetOutput redirects all subsequent log lines. It takes the same mutex
// as the logging calls.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

func Infof(format string, args ...any)    { logf(sevInfo, 1, format, args...) }
func Warningf(format string, args ...any) { logf(sevWarn, 1, format, args...) }
func Errorf(format string, args ...any)   { logf(sevErr, 1, format, args...) }

func logf(sev severity, depth int, format string, args ...any) {
	line := formatLine(sev, depth+1, format, args...)
	mu.Lock()
	out.Write(line)
	mu.Unlock()
}

// Flush is a no-op placeholder kept for API parity with loggers that
// buffer; flowbroker's writer is unbuffered, but callers performing a
// graceful shutdown still call it before exit in case the installed
// io.Writer does buffer.
func Flush() {
	mu.Lock()
	if f, ok := out.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
	mu.Unlock()
}

func formatLine(sev severity, depth int, format string, args ...any) []byte {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(1 + depth); ok {
		fn = filepath.Base(fn)
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
