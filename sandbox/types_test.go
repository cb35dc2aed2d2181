package sandbox

import "testing"

func TestOptionsNormalizeStripsLeadingSlash(t *testing.T) {
	opts := Options{
		SharedItems: []SharedItem{
			{Dest: "/usr/bin"},
			{Dest: "//double"},
			{Dest: "already/relative"},
			{Dest: ""},
		},
	}
	opts.Normalize()

	want := []string{"usr/bin", "double", "already/relative", ""}
	for i, item := range opts.SharedItems {
		if item.Dest != want[i] {
			t.Errorf("item %d: Dest = %q, want %q", i, item.Dest, want[i])
		}
	}
}

func TestExitCodeSignalRoundTrip(t *testing.T) {
	tests := []struct {
		sig int
	}{{2}, {9}, {11}, {15}}
	for _, tt := range tests {
		code := FromSignal(tt.sig)
		gotSig, ok := code.Signal()
		if !ok {
			t.Errorf("FromSignal(%d).Signal() ok = false, want true", tt.sig)
		}
		if gotSig != tt.sig {
			t.Errorf("FromSignal(%d).Signal() = %d, want %d", tt.sig, gotSig, tt.sig)
		}
	}
}

func TestExitCodeSignalFalseForOrdinaryExits(t *testing.T) {
	for _, code := range []ExitCode{ExitOK, 1, 255} {
		if _, ok := code.Signal(); ok {
			t.Errorf("ExitCode(%d).Signal() ok = true, want false", code)
		}
	}
}

func TestExitCodeSignalFalseForKilled(t *testing.T) {
	if _, ok := ExitKilled.Signal(); ok {
		t.Error("ExitKilled.Signal() ok = true, want false")
	}
}

func TestExitCodeIsSuccess(t *testing.T) {
	if !ExitOK.IsSuccess() {
		t.Error("ExitOK.IsSuccess() = false, want true")
	}
	if ExitCode(1).IsSuccess() {
		t.Error("ExitCode(1).IsSuccess() = true, want false")
	}
	if ExitKilled.IsSuccess() {
		t.Error("ExitKilled.IsSuccess() = true, want false")
	}
}

func TestSharedItemKindString(t *testing.T) {
	if Readonly.String() != "readonly" {
		t.Errorf("Readonly.String() = %q", Readonly.String())
	}
	if Full.String() != "full" {
		t.Errorf("Full.String() = %q", Full.String())
	}
}

func TestStdioBuilders(t *testing.T) {
	if NullInput().Kind != InputNull {
		t.Error("NullInput kind mismatch")
	}
	if PipeOutput().Kind != OutputPipe {
		t.Error("PipeOutput kind mismatch")
	}
	size := 1024
	b := BoundedBufferOutput(size)
	if b.Kind != OutputBuffer || b.BufferSize == nil || *b.BufferSize != size {
		t.Errorf("BoundedBufferOutput = %+v", b)
	}
	u := UnboundedBufferOutput()
	if u.Kind != OutputBuffer || u.BufferSize != nil {
		t.Errorf("UnboundedBufferOutput = %+v", u)
	}
}
