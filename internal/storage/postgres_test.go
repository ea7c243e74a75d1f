package storage

import "testing"

func TestNextUnknownSuffix(t *testing.T) {
	cases := []struct {
		name  string
		names []string
		want  int64
	}{
		{"empty gallery", nil, 1},
		{"sequential", []string{"Unknown_1", "Unknown_2", "Unknown_3"}, 4},
		{"gap keeps max", []string{"Unknown_1", "Unknown_7"}, 8},
		{"ignores named faces", []string{"alice", "Unknown_2", "bob"}, 3},
		{"ignores malformed suffix", []string{"Unknown_", "Unknown_x", "Unknown_3"}, 4},
		{"ignores bare prefix lookalike", []string{"Unknown"}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextUnknownSuffix(tc.names); got != tc.want {
				t.Errorf("nextUnknownSuffix(%v) = %d, want %d", tc.names, got, tc.want)
			}
		})
	}
}
