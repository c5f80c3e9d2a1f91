package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu       sync.Mutex
	minLevel = LevelInfo
	out      = os.Stderr
)

// SetLevel sets the minimum level that will be written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// ParseLevel maps a config string to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

func logf(level Level, component, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(msg)

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

	fmt.Fprint(out, b.String())
}

func DebugC(component, msg string) { logf(LevelDebug, component, msg, nil) }
func InfoC(component, msg string)  { logf(LevelInfo, component, msg, nil) }
func WarnC(component, msg string)  { logf(LevelWarn, component, msg, nil) }
func ErrorC(component, msg string) { logf(LevelError, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	logf(LevelDebug, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	logf(LevelInfo, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	logf(LevelWarn, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	logf(LevelError, component, msg, fields)
}
