// Package logger provides leveled, component-tagged logging for the whole
// process. Components are short lowercase tags ("agent", "hub", "router")
// so grep over a mixed log stays practical.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = map[Level]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
}

var (
	mu       sync.Mutex
	out      io.Writer = os.Stderr
	minLevel           = InfoLevel
)

// SetLevel sets the global minimum level. Messages below it are dropped.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// SetOutput redirects all log output (default: stderr).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// ParseLevel maps a config string to a Level. Unknown strings fall back
// to InfoLevel.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func DebugC(component, msg string) { write(DebugLevel, component, msg, nil) }
func InfoC(component, msg string)  { write(InfoLevel, component, msg, nil) }
func WarnC(component, msg string)  { write(WarnLevel, component, msg, nil) }
func ErrorC(component, msg string) { write(ErrorLevel, component, msg, nil) }

func DebugCF(component, msg string, f map[string]interface{}) { write(DebugLevel, component, msg, f) }
func InfoCF(component, msg string, f map[string]interface{})  { write(InfoLevel, component, msg, f) }
func WarnCF(component, msg string, f map[string]interface{})  { write(WarnLevel, component, msg, f) }
func ErrorCF(component, msg string, f map[string]interface{}) { write(ErrorLevel, component, msg, f) }

func write(l Level, component, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l < minLevel {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, " %-5s [%s] %s", levelNames[l], component, msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')
	io.WriteString(out, b.String())
}
