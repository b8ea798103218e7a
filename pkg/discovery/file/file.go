package file

import (
    "bufio"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-bftstore/pkg/discovery"
)

// Options configures file/ENV-based peer lists.
type Options struct {
    // Path is a file (or glob) with one address per line; commas also
    // separate entries and lines starting with # are ignored.
    Path string
    // Env names a variable holding a CSV list; when set and non-empty it
    // wins over Path.
    Env string
    // Refresh bounds how long a parsed file is reused. Default 5s.
    Refresh time.Duration
}

type source struct {
    opts Options

    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &source{opts: opts}
}

func (s *source) Peers() []string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.opts.Env != "" {
        if v := os.Getenv(s.opts.Env); strings.TrimSpace(v) != "" { return normalize(strings.Split(v, ",")) }
    }
    if s.opts.Path == "" { return nil }
    now := time.Now()
    if st, err := os.Stat(s.opts.Path); err == nil {
        if st.ModTime().After(s.mtime) || now.Sub(s.last) >= s.opts.Refresh {
            s.cache = normalize(readFile(s.opts.Path))
            s.last, s.mtime = now, st.ModTime()
        }
        return append([]string(nil), s.cache...)
    }
    if now.Sub(s.last) >= s.opts.Refresh {
        matches, _ := filepath.Glob(s.opts.Path)
        var all []string
        for _, m := range matches { all = append(all, readFile(m)...) }
        s.cache = normalize(all)
        s.last = now
    }
    return append([]string(nil), s.cache...)
}

func readFile(path string) []string {
    f, err := os.Open(path)
    if err != nil { return nil }
    defer f.Close()
    var out []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        out = append(out, strings.Split(line, ",")...)
    }
    if sc.Err() != nil { return nil }
    return out
}

// normalize trims, de-duplicates and sorts.
func normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    for _, a := range in {
        if a = strings.TrimSpace(a); a != "" { set[a] = struct{}{} }
    }
    if len(set) == 0 { return nil }
    out := make([]string, 0, len(set))
    for a := range set { out = append(out, a) }
    sort.Strings(out)
    return out
}
