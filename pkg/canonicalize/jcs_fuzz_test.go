package canonicalize

import (
	"encoding/json"
	"testing"
)

// FuzzJCS checks that canonicalization of event payloads is deterministic,
// idempotent and always yields valid JSON.
func FuzzJCS(f *testing.F) {
	f.Add([]byte(`{"kind":"GOAL_PROPOSED","payload":{"b":2,"a":1}}`))
	f.Add([]byte(`{"resources":["db","cache"],"flags":{"meta_level":true}}`))
	f.Add([]byte(`{"html":"<b>&</b>"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
			return
		}

		b1, err := JCS(v)
		if err != nil {
			return
		}
		b2, err := JCS(v)
		if err != nil {
			t.Fatal("JCS returned error on second call but not first")
		}
		if string(b1) != string(b2) {
			t.Errorf("JCS non-deterministic:\n  first:  %s\n  second: %s", b1, b2)
		}

		var again interface{}
		if err := json.Unmarshal(b1, &again); err != nil {
			t.Fatalf("JCS output is not valid JSON: %s", b1)
		}
		b3, err := JCS(again)
		if err != nil {
			t.Fatalf("JCS failed on its own output: %v", err)
		}
		if string(b1) != string(b3) {
			t.Errorf("JCS not idempotent: %s != %s", b1, b3)
		}
	})
}
