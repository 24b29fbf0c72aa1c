package models_base

import "testing"

func TestPad4(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 0}, {1, 4}, {2, 4}, {3, 4}, {4, 4}, {5, 8}, {17, 20},
	}
	for _, tt := range tests {
		if n := Pad4(tt.in); n != tt.want {
			t.Fatalf("Pad4(%d): want %d, have %d", tt.in, tt.want, n)
		}
	}
}
