package decision

import (
	"encoding/json"
	"testing"
)

func TestCanonicalJSON(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"sorted keys":    {`{ "b": 1, "a": {"z": true, "y": null} }`, `{"a":{"y":null,"z":true},"b":1}`},
		"numbers kept":   {`[1.50, 1e3, -0]`, `[1.50,1e3,-0]`},
		"escaped string": {`{"k":"<tag> é"}`, `{"k":"<tag> é"}`},
		"empty values":   {`{"a":[],"b":{}}`, `{"a":[],"b":{}}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := CanonicalJSON(json.RawMessage(tc.in))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestCanonicalJSONRejectsBadInput(t *testing.T) {
	for _, in := range []string{``, `{"a":`, `{} {}`} {
		if _, err := CanonicalJSON(json.RawMessage(in)); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
