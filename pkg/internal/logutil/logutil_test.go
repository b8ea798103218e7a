package logutil

import (
    "bytes"
    "encoding/json"
    "log"
    "strings"
    "testing"
)

func TestLogf_TextAndJSON(t *testing.T) {
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)

    SetJSON(false)
    Warnf(l, "slot %d held", 2)
    if got := buf.String(); !strings.HasPrefix(got, "WARN slot 2 held") {
        t.Fatalf("text line = %q", got)
    }

    buf.Reset()
    SetJSON(true)
    SetNode("n1")
    defer func() { SetJSON(false); SetNode("") }()
    Infof(l, "committed at %d", 7)
    var evt map[string]any
    if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &evt); err != nil {
        t.Fatalf("json line: %v (%q)", err, buf.String())
    }
    if evt["level"] != "info" || evt["msg"] != "committed at 7" || evt["node"] != "n1" {
        t.Fatalf("unexpected event: %v", evt)
    }
}

func TestLevels_Gate(t *testing.T) {
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)
    SetLevel(LevelInfo)
    Debugf(l, "hidden")
    if buf.Len() != 0 { t.Fatalf("debug line written at info: %q", buf.String()) }

    SetLevel(LevelDebug)
    Debugf(l, "shown")
    if !strings.Contains(buf.String(), "DEBUG shown") { t.Fatalf("debug line missing: %q", buf.String()) }

    buf.Reset()
    SetLevel(LevelError)
    defer SetLevel(LevelInfo)
    Warnf(l, "quiet")
    Errorf(l, "loud")
    if got := buf.String(); strings.Contains(got, "quiet") || !strings.Contains(got, "ERROR loud") {
        t.Fatalf("error level output = %q", got)
    }
}

func TestParseLevel(t *testing.T) {
    for in, want := range map[string]Level{"debug": LevelDebug, "INFO": LevelInfo, "warning": LevelWarn, "error": LevelError} {
        got, err := ParseLevel(in)
        if err != nil || got != want { t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err) }
    }
    if _, err := ParseLevel("trace"); err == nil { t.Fatalf("expected error for unknown level") }
}
