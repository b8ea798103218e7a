package kv

type entry struct {
    version Version
    value   []byte
    deleted bool
}

// Map is a named table inside a Store. Each key keeps the history of its
// values so transactions can read at any version not yet compacted. All
// fields are guarded by the owning Store's lock.
type Map struct {
    name   string
    domain Domain
    keys   map[string][]entry
}

func newMap(name string, d Domain) *Map {
    return &Map{name: name, domain: d, keys: make(map[string][]entry)}
}

func (m *Map) Name() string   { return m.name }
func (m *Map) Domain() Domain { return m.domain }

func (m *Map) getAt(key string, v Version) ([]byte, bool) {
    hist := m.keys[key]
    for i := len(hist) - 1; i >= 0; i-- {
        if hist[i].version <= v {
            if hist[i].deleted { return nil, false }
            return hist[i].value, true
        }
    }
    return nil, false
}

func (m *Map) lastWrite(key string) Version {
    hist := m.keys[key]
    if len(hist) == 0 { return NoVersion }
    return hist[len(hist)-1].version
}

func (m *Map) apply(v Version, t TableWrites) {
    for _, p := range t.Puts {
        m.keys[p.Key] = append(m.keys[p.Key], entry{version: v, value: p.Value})
    }
    for _, k := range t.Removes {
        if _, ok := m.keys[k]; !ok { continue }
        m.keys[k] = append(m.keys[k], entry{version: v, deleted: true})
    }
}

// compact drops every entry superseded at or before v. The newest entry at
// or before v survives as the base value.
func (m *Map) compact(v Version) {
    for k, hist := range m.keys {
        base := -1
        for i := len(hist) - 1; i >= 0; i-- {
            if hist[i].version <= v { base = i; break }
        }
        if base < 0 { continue }
        kept := hist[base:]
        if len(kept) == 1 && kept[0].deleted {
            delete(m.keys, k)
            continue
        }
        if base > 0 { m.keys[k] = append([]entry(nil), kept...) }
    }
}

func (m *Map) imageAt(v Version) []KeyValue {
    out := make([]KeyValue, 0, len(m.keys))
    for k := range m.keys {
        if val, ok := m.getAt(k, v); ok {
            out = append(out, KeyValue{Key: k, Value: val})
        }
    }
    sortKeyValues(out)
    return out
}
