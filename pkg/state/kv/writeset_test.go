package kv

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "github.com/vmihailenco/msgpack/v5"
)

func encode(t *testing.T, ws *WriteSet) []byte {
    t.Helper()
    data, err := EncodeWriteSet(ws)
    require.NoError(t, err)
    return data
}

func TestWriteSet_DeterministicEncoding(t *testing.T) {
    build := func(s *Store) []byte {
        pub := mustMap(t, s, "b", DomainPublic)
        other := mustMap(t, s, "a", DomainPublic)
        tx := s.BeginTx()
        tx.View(pub).Put("z", []byte("1"))
        tx.View(pub).Put("y", []byte("2"))
        tx.View(other).Remove("q")
        tx.View(other).Remove("p")
        _, err := tx.Commit()
        require.NoError(t, err)
        data, err := s.LedgerEntry(1)
        require.NoError(t, err)
        return data
    }
    s1, s2 := New(), New()
    defer s1.Close()
    defer s2.Close()
    a, b := build(s1), build(s2)
    assert.Equal(t, a, b)

    ws, err := DecodeWriteSet(a)
    require.NoError(t, err)
    require.Len(t, ws.Tables, 2)
    assert.Equal(t, "a", ws.Tables[0].Name)
    assert.Equal(t, []string{"p", "q"}, ws.Tables[0].Removes)
    assert.Equal(t, "y", ws.Tables[1].Puts[0].Key)
}

func TestDecodeWriteSet_Rejects(t *testing.T) {
    badFormat, err := msgpack.Marshal(&WriteSet{Format: 9, Version: 1})
    require.NoError(t, err)
    noName, err := msgpack.Marshal(&WriteSet{Format: writeSetFormat, Version: 1, Tables: []TableWrites{{}}})
    require.NoError(t, err)
    badDomain, err := msgpack.Marshal(&WriteSet{Format: writeSetFormat, Version: 1, Tables: []TableWrites{{Name: "x", Domain: 7}}})
    require.NoError(t, err)
    zeroVersion, err := msgpack.Marshal(&WriteSet{Format: writeSetFormat})
    require.NoError(t, err)

    cases := map[string][]byte{
        "empty":        nil,
        "garbage":      []byte{0xc1, 0xff, 0x00},
        "format":       badFormat,
        "table name":   noName,
        "domain":       badDomain,
        "zero version": zeroVersion,
    }
    for name, data := range cases {
        t.Run(name, func(t *testing.T) {
            _, err := DecodeWriteSet(data)
            assert.Error(t, err)
        })
    }
    _, err = DecodeWriteSet(badFormat)
    assert.ErrorIs(t, err, ErrBadFormat)
}

func TestDeserialiseViews_Outcomes(t *testing.T) {
    cases := []struct {
        table string
        want  DeserialiseSuccess
    }{
        {"app", DeserialisePass},
        {SignaturesTable, DeserialisePassSignature},
        {PrePreparesTable, DeserialisePassPrePrepare},
    }
    for _, tc := range cases {
        t.Run(tc.table, func(t *testing.T) {
            s := New()
            defer s.Close()
            data := encode(t, &WriteSet{Version: 1, Term: 2, Tables: []TableWrites{
                {Name: tc.table, Puts: []KeyValue{{Key: "0", Value: []byte("x")}}},
            }})
            var term uint64
            got := s.DeserialiseViews(data, false, true, &term, nil)
            assert.Equal(t, tc.want, got)
            assert.Equal(t, uint64(2), term)
            assert.Equal(t, Version(1), s.CurrentVersion())
        })
    }
}

func TestDeserialiseViews_FailureLeavesStoreUntouched(t *testing.T) {
    s := New()
    defer s.Close()
    m := mustMap(t, s, "app", DomainPrivate)
    put(t, s, m, "k", "v")

    cases := map[string][]byte{
        "garbage": []byte("not a write set"),
        "gap": encode(t, &WriteSet{Version: 3, Tables: []TableWrites{
            {Name: "app", Domain: DomainPrivate, Puts: []KeyValue{{Key: "k", Value: []byte("x")}}},
        }}),
        "stale": encode(t, &WriteSet{Version: 1, Tables: []TableWrites{
            {Name: "app", Domain: DomainPrivate, Puts: []KeyValue{{Key: "k", Value: []byte("x")}}},
        }}),
        "domain": encode(t, &WriteSet{Version: 2, Tables: []TableWrites{
            {Name: "app", Domain: DomainPublic, Puts: []KeyValue{{Key: "k", Value: []byte("x")}}},
        }}),
    }
    for name, data := range cases {
        t.Run(name, func(t *testing.T) {
            assert.Equal(t, DeserialiseFailed, s.DeserialiseViews(data, false, true, nil, nil))
            assert.Equal(t, Version(1), s.CurrentVersion())
            val, ok, err := s.BeginTx().View(m).Get("k")
            require.NoError(t, err)
            require.True(t, ok)
            assert.Equal(t, "v", string(val))
        })
    }

    t.Run("held slot", func(t *testing.T) {
        local := s.BeginTx()
        _, err := local.Hold()
        require.NoError(t, err)
        defer local.Abort()
        data := encode(t, &WriteSet{Version: 2, Tables: []TableWrites{{Name: "other"}}})
        assert.Equal(t, DeserialiseFailed, s.DeserialiseViews(data, false, true, nil, nil))
    })
}

func TestDeserialiseViews_PublicOnly(t *testing.T) {
    s := New()
    defer s.Close()
    data := encode(t, &WriteSet{Version: 1, Tables: []TableWrites{
        {Name: "pub", Domain: DomainPublic, Puts: []KeyValue{{Key: "a", Value: []byte("1")}}},
        {Name: "priv", Domain: DomainPrivate, Puts: []KeyValue{{Key: "b", Value: []byte("2")}}},
    }})
    require.Equal(t, DeserialisePass, s.DeserialiseViews(data, true, true, nil, nil))

    pub := mustMap(t, s, "pub", DomainPublic)
    priv := mustMap(t, s, "priv", DomainPrivate)
    tx := s.BeginTx()
    ok, err := tx.View(pub).Has("a")
    require.NoError(t, err)
    assert.True(t, ok)
    ok, err = tx.View(priv).Has("b")
    require.NoError(t, err)
    assert.False(t, ok)
}

func TestDeserialiseViews_ValidateIntoTx(t *testing.T) {
    s := New()
    defer s.Close()
    data := encode(t, &WriteSet{Version: 1, Tables: []TableWrites{
        {Name: "app", Puts: []KeyValue{{Key: "a", Value: []byte("1")}}},
    }})
    tx := s.BeginTx()
    require.Equal(t, DeserialisePass, s.DeserialiseViews(data, false, false, nil, tx))
    assert.Equal(t, Version(0), s.CurrentVersion())

    v, err := tx.Commit()
    require.NoError(t, err)
    assert.Equal(t, Version(1), v)
    m := mustMap(t, s, "app", DomainPublic)
    val, ok, err := s.BeginTx().View(m).Get("a")
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, "1", string(val))
}
