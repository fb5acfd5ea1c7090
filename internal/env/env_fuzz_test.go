package env

import (
	"sort"
	"strings"
	"testing"
)

// FuzzMergePrecedence fuzzes Merge with random global and per-service
// entries over a fixed base. Every key resolves to its per-service value,
// else its global value, else the base value; values without ${ are passed
// through untouched.
func FuzzMergePrecedence(f *testing.F) {
	// seeds (newline-separated K=V lists)
	f.Add([]byte("CHATBOT_HOME=/opt/chatbot\nWEATHER_API_KEY=change-me"), []byte("WEATHER_API_KEY=secret\nPORT=8002"))
	f.Add([]byte("CHATBOT_HOME=/srv"), []byte("DATA=${CHATBOT_HOME}/data\nLOG=${MISSING}/x"))
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=${FOO}\nFOO=last"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}")) // cyclic-like
	f.Add([]byte("=novalue\nK="), []byte("=x\nPATH=/bin"))

	f.Fuzz(func(t *testing.T, globalB []byte, perB []byte) {
		global := splitNZ(string(globalB))
		per := splitNZ(string(perB))
		if len(global) > 20 {
			global = global[:20]
		}
		if len(per) > 20 {
			per = per[:20]
		}

		base := Var{"PATH": "/usr/bin", "CHATBOT_HOME": "/home/chatbot", "HOME": "/root"}
		e := &Env{Var: Var{}, env: base}
		for _, kv := range global {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				e = e.WithSet(kv[:i], kv[i+1:])
			}
		}
		out := e.Merge(per)
		if !sort.StringsAreSorted(out) {
			t.Fatalf("output not sorted: %q", out)
		}

		want := make(Var, len(base))
		for k, v := range base {
			want[k] = v
		}
		for k, v := range e.Var {
			if k != "" {
				want[k] = v
			}
		}
		for _, kv := range per {
			if i := strings.IndexByte(kv, '='); i > 0 {
				want[kv[:i]] = kv[i+1:]
			}
		}

		got := make(Var, len(out))
		for _, kv := range out {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("bad pair: %q", kv)
			}
			if _, dup := got[k]; dup {
				t.Fatalf("duplicate key %q", k)
			}
			got[k] = v
		}
		if len(got) != len(want) {
			t.Fatalf("got %d keys, want %d", len(got), len(want))
		}
		for k, raw := range want {
			v, ok := got[k]
			if !ok {
				t.Fatalf("missing key %q", k)
			}
			if !strings.Contains(raw, "${") && v != raw {
				t.Fatalf("%s=%q, want %q", k, v, raw)
			}
		}
	})
}

// splitNZ splits s by newlines and returns non-empty trimmed lines.
func splitNZ(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
