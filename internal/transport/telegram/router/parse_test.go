package router

import (
	"reflect"
	"testing"
)

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "   ", want: nil},
		{name: "plain", in: "/bc 1,2,3 hello", want: []string{"/bc", "1,2,3", "hello"}},
		{name: "double quotes", in: `/bc a "b c" d`, want: []string{"/bc", "a", "b c", "d"}},
		{name: "single quotes", in: "/bc 'x y'", want: []string{"/bc", "x y"}},
		{name: "escaped quote", in: `say \"hi\"`, want: []string{`say`, `"hi"`}},
		{name: "escaped space", in: `one\ token two`, want: []string{"one token", "two"}},
		{name: "mixed whitespace", in: "a\tb\nc", want: []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tokenizeCommandLine(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("tokenize(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		in        []string
		wantPos   []string
		wantFlags map[string]string
		wantBools map[string]bool
	}{
		{
			name:      "long equals",
			in:        []string{"a", "--max=10"},
			wantPos:   []string{"a"},
			wantFlags: map[string]string{"max": "10"},
			wantBools: map[string]bool{},
		},
		{
			name:      "long with value token",
			in:        []string{"--max", "10", "msg"},
			wantPos:   []string{"msg"},
			wantFlags: map[string]string{"max": "10"},
			wantBools: map[string]bool{},
		},
		{
			name:      "long bool",
			in:        []string{"--dry-run"},
			wantPos:   nil,
			wantFlags: map[string]string{},
			wantBools: map[string]bool{"dry-run": true},
		},
		{
			name:      "short with value",
			in:        []string{"-n", "5"},
			wantPos:   nil,
			wantFlags: map[string]string{"n": "5"},
			wantBools: map[string]bool{},
		},
		{
			name:      "short grouped bools",
			in:        []string{"-abc"},
			wantPos:   nil,
			wantFlags: map[string]string{},
			wantBools: map[string]bool{"a": true, "b": true, "c": true},
		},
		{
			name:      "short equals",
			in:        []string{"-max=3"},
			wantPos:   nil,
			wantFlags: map[string]string{"max": "3"},
			wantBools: map[string]bool{},
		},
		{
			name:      "bare dash is positional",
			in:        []string{"-"},
			wantPos:   []string{"-"},
			wantFlags: map[string]string{},
			wantBools: map[string]bool{},
		},
		{
			name:      "flag value never swallows next flag",
			in:        []string{"--max", "--batch"},
			wantPos:   nil,
			wantFlags: map[string]string{},
			wantBools: map[string]bool{"max": true, "batch": true},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pos, flags, bools := parseFlags(tt.in)
			if !reflect.DeepEqual(pos, tt.wantPos) {
				t.Fatalf("pos = %#v, want %#v", pos, tt.wantPos)
			}
			if !reflect.DeepEqual(flags, tt.wantFlags) {
				t.Fatalf("flags = %#v, want %#v", flags, tt.wantFlags)
			}
			if !reflect.DeepEqual(bools, tt.wantBools) {
				t.Fatalf("bools = %#v, want %#v", bools, tt.wantBools)
			}
		})
	}
}

func TestNewReqIDUnique(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := newReqID()
		if id == "" {
			t.Fatal("empty request id")
		}
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}
