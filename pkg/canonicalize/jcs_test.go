package canonicalize

import (
	"testing"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]interface{}{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"a":1,"b":2,"c":3}` {
		t.Fatalf("unexpected canonical form: %s", out)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]interface{}{"op": "a<b&c>d"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"op":"a<b&c>d"}` {
		t.Fatalf("html characters must not be escaped, got: %s", out)
	}
}

func TestJCSRespectsStructTags(t *testing.T) {
	type sample struct {
		Z string `json:"z"`
		A string `json:"a"`
	}
	out, err := JCS(sample{Z: "last", A: "first"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"a":"first","z":"last"}` {
		t.Fatalf("unexpected canonical form: %s", out)
	}
}

func TestCanonicalHashStableAcrossFieldOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]interface{}{"x": 1, "y": "two", "z": []interface{}{3}})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(map[string]interface{}{"z": []interface{}{3}, "y": "two", "x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash must not depend on field order: %s != %s", h1, h2)
	}
}

func TestCanonicalHashDiffersOnContent(t *testing.T) {
	h1, _ := CanonicalHash(map[string]interface{}{"x": 1})
	h2, _ := CanonicalHash(map[string]interface{}{"x": 2})
	if h1 == h2 {
		t.Fatal("distinct content must produce distinct hashes")
	}
}

func TestJCSNestedStructures(t *testing.T) {
	out, err := JCS(map[string]interface{}{
		"outer": map[string]interface{}{"b": true, "a": nil},
		"list":  []interface{}{"x", 1, false},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"list":["x",1,false],"outer":{"a":null,"b":true}}` {
		t.Fatalf("unexpected canonical form: %s", out)
	}
}
