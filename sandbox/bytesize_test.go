package sandbox

import "testing"

func TestByteSizeString(t *testing.T) {
	tests := []struct {
		b    ByteSize
		want string
	}{
		{0, "0B"},
		{512, "512B"},
		{1024, "1.00KB"},
		{1536, "1.50KB"},
		{1 << 20, "1.00MB"},
		{1 << 30, "1.00GB"},
		{1 << 40, "1.00TB"},
	}
	for _, tt := range tests {
		if got := tt.b.String(); got != tt.want {
			t.Errorf("ByteSize(%d).String() = %q, want %q", uint64(tt.b), got, tt.want)
		}
	}
}
