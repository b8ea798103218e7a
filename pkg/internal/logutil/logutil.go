package logutil

import (
    "encoding/json"
    "fmt"
    "log"
    "os"
    "strings"
    "sync/atomic"
    "time"
)

// Level orders log lines by severity. Lines below the configured level are
// dropped before formatting.
type Level int32

const (
    LevelDebug Level = iota
    LevelInfo
    LevelWarn
    LevelError
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
    if l < LevelDebug || l > LevelError { return fmt.Sprintf("level(%d)", int32(l)) }
    return levelNames[l]
}

// ParseLevel accepts the names printed by Level.String, case-insensitively.
func ParseLevel(s string) (Level, error) {
    for i, n := range levelNames {
        if strings.EqualFold(s, n) { return Level(i), nil }
    }
    if strings.EqualFold(s, "warning") { return LevelWarn, nil }
    return LevelInfo, fmt.Errorf("logutil: unknown level %q", s)
}

var (
    jsonMode atomic.Bool
    minLevel atomic.Int32
    node     atomic.Value // string
)

func init() {
    minLevel.Store(int32(LevelInfo))
    if os.Getenv("BFTSTORE_LOG_FORMAT") == "json" { jsonMode.Store(true) }
    if lv, err := ParseLevel(os.Getenv("BFTSTORE_LOG_LEVEL")); err == nil { minLevel.Store(int32(lv)) }
}

func SetJSON(enabled bool) { jsonMode.Store(enabled) }
func SetLevel(l Level)     { minLevel.Store(int32(l)) }

// SetNode tags every JSON line with the replica's node ID.
func SetNode(id string) { node.Store(id) }

// Enabled lets callers skip building expensive arguments.
func Enabled(l Level) bool { return int32(l) >= minLevel.Load() }

func Debugf(l *log.Logger, f string, args ...any) { logf(l, LevelDebug, f, args...) }
func Infof(l *log.Logger, f string, args ...any)  { logf(l, LevelInfo, f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, LevelWarn, f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, LevelError, f, args...) }

func logf(l *log.Logger, lv Level, f string, args ...any) {
    if !Enabled(lv) { return }
    if l == nil { l = log.Default() }
    msg := fmt.Sprintf(f, args...)
    if !jsonMode.Load() {
        l.Print(strings.ToUpper(lv.String()) + " " + msg)
        return
    }
    line := struct {
        TS    string `json:"ts"`
        Level string `json:"level"`
        Node  string `json:"node,omitempty"`
        Msg   string `json:"msg"`
    }{time.Now().UTC().Format(time.RFC3339Nano), lv.String(), nodeID(), msg}
    b, err := json.Marshal(line)
    if err != nil { l.Print(msg); return }
    l.Print(string(b))
}

func nodeID() string {
    s, _ := node.Load().(string)
    return s
}
