package preparedcache

import "testing"

func TestFormatLiteral_Scalars(t *testing.T) {
	cases := []struct {
		name string
		v    any
		want string
	}{
		{"nil", nil, "NULL"},
		{"true", true, "TRUE"},
		{"false", false, "FALSE"},
		{"string", "o'brien", "'o''brien'"},
		{"int", 42, "42"},
		{"float", 1.5, "1.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := formatLiteral(tc.v, false); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatLiteral_TopLevelSliceHonorsArrayMode(t *testing.T) {
	v := []any{1, 2, 3}

	if got, want := formatLiteral(v, true), "ARRAY[1, 2, 3]"; got != want {
		t.Errorf("arrayMode=true: got %q, want %q", got, want)
	}
	if got, want := formatLiteral(v, false), "1, 2, 3"; got != want {
		t.Errorf("arrayMode=false: got %q, want %q", got, want)
	}
}

func TestFormatLiteral_NestedSliceAlwaysWrapsRegardlessOfArrayMode(t *testing.T) {
	v := []any{[]any{1, 2}, []any{3, 4}}

	for _, arrayMode := range []bool{true, false} {
		got := formatLiteral(v, arrayMode)
		want := "ARRAY[1, 2], ARRAY[3, 4]"
		if arrayMode {
			want = "ARRAY[" + want + "]"
		}
		if got != want {
			t.Errorf("arrayMode=%v: got %q, want %q", arrayMode, got, want)
		}
	}
}

func TestFormatValues_JoinsTopLevelLiterals(t *testing.T) {
	got := formatValues([]any{1, "a", true}, false)
	want := "1, 'a', TRUE"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
