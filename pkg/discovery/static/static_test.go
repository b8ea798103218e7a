package static

import (
    "testing"

    "github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
    cases := map[string][]string{
        "":             nil,
        "a:1":          {"a:1"},
        " a:1 , b:2 ":  {"a:1", "b:2"},
        ",,a:1, ,b:2,": {"a:1", "b:2"},
    }
    for in, want := range cases {
        assert.Equal(t, want, Parse(in), "input %q", in)
    }
}

func TestNew_ReturnsCopy(t *testing.T) {
    d := New(" a:1 ", "", "b:2")
    got := d.Peers()
    assert.Equal(t, []string{"a:1", "b:2"}, got)
    got[0] = "x"
    assert.Equal(t, "a:1", d.Peers()[0])
}
