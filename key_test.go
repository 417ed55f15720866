package notedb

import "testing"

func TestKeyRefName(t *testing.T) {
	cases := []struct {
		key   Key
		valid bool
	}{
		{Key{Type: "change", ID: "42"}, true},
		{Key{Type: "account", ID: "jo@example.com"}, true},
		{Key{}, false},
		{Key{Type: "change"}, false},
		{Key{Type: "change", ID: "a/b"}, false},
		{Key{Type: "a/b", ID: "1"}, false},
		{Key{Type: "change", ID: "."}, false},
		{Key{Type: "change", ID: "tab\there"}, false},
	}
	for _, c := range cases {
		t.Run(c.key.String(), func(t *testing.T) {
			err := c.key.Validate()
			if c.valid != (err == nil) {
				t.Fatalf("got %v from Validate, want valid=%v", err, c.valid)
			}
			if !c.valid {
				return
			}
			got, err := KeyFromRefName(c.key.RefName())
			if err != nil {
				t.Fatal(err)
			}
			if got != c.key {
				t.Errorf("got %v back from %s, want %v", got, c.key.RefName(), c.key)
			}
			if parsed, err := ParseKey(c.key.String()); err != nil || parsed != c.key {
				t.Errorf("ParseKey(%q) = %v, %v", c.key.String(), parsed, err)
			}
		})
	}
}
