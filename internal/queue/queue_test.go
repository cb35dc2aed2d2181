package queue

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jjs-dev/minion/sandbox"
)

func TestJobSpecParse(t *testing.T) {
	doc := `
path: /bin/solution
argv: ["/bin/solution", "--fast"]
env: ["LANG=C"]
pwd: /work
options:
  max_processes: 1
  memory_bytes: 4194304
  cpu_time_ms: 1000
  wall_time_ms: 2000
  expose:
    - source: /usr
      dest: usr
    - source: /srv/testdata
      dest: data
      writable: true
      recursive: true
result: attempt-7.result.yaml
`
	var spec JobSpec
	if err := yaml.Unmarshal([]byte(doc), &spec); err != nil {
		t.Fatalf("unmarshal job spec: %v", err)
	}
	if spec.Path != "/bin/solution" || spec.Pwd != "/work" || spec.Result != "attempt-7.result.yaml" {
		t.Errorf("parsed spec = %+v", spec)
	}
	if len(spec.Argv) != 2 || spec.Argv[1] != "--fast" {
		t.Errorf("parsed argv = %v", spec.Argv)
	}
	if len(spec.Options.Expose) != 2 {
		t.Fatalf("parsed expose = %+v", spec.Options.Expose)
	}
	if spec.Options.Expose[1].Source != "/srv/testdata" || !spec.Options.Expose[1].Writable || !spec.Options.Expose[1].Recursive {
		t.Errorf("second expose item = %+v", spec.Options.Expose[1])
	}
}

func TestToSandboxOptions(t *testing.T) {
	o := JobOptions{
		MaxProcesses: 1,
		MemoryBytes:  4 << 20,
		CPUTimeMS:    1000,
		WallTimeMS:   2000,
		Expose: []ExposeItem{
			{Source: "/usr", Dest: "usr"},
			{Source: "/srv/testdata", Dest: "data", Writable: true, Recursive: true},
		},
	}
	opts := o.ToSandboxOptions("/tmp/judge-root")

	if opts.MaxAliveProcessCount != 1 || opts.MemoryLimit != 4<<20 {
		t.Errorf("limits = %d procs / %d bytes", opts.MaxAliveProcessCount, opts.MemoryLimit)
	}
	if opts.CPUTimeLimit != time.Second || opts.RealTimeLimit != 2*time.Second {
		t.Errorf("time limits = %s / %s", opts.CPUTimeLimit, opts.RealTimeLimit)
	}
	if opts.IsolationRoot != "/tmp/judge-root" {
		t.Errorf("isolation root = %s", opts.IsolationRoot)
	}
	if len(opts.SharedItems) != 2 {
		t.Fatalf("shared items = %+v", opts.SharedItems)
	}
	if opts.SharedItems[0].Kind != sandbox.Readonly {
		t.Errorf("first item kind = %v, want Readonly", opts.SharedItems[0].Kind)
	}
	second := opts.SharedItems[1]
	if second.Kind != sandbox.Full || len(second.Flags) != 1 || second.Flags[0] != "recursive" {
		t.Errorf("second item = %+v", second)
	}
}

func TestToSandboxOptionsDefaults(t *testing.T) {
	opts := JobOptions{}.ToSandboxOptions("/tmp/judge-root")

	if opts.MaxAliveProcessCount != 16 {
		t.Errorf("default max procs = %d, want 16", opts.MaxAliveProcessCount)
	}
	if opts.MemoryLimit != 256*1024*1024 {
		t.Errorf("default memory = %d", opts.MemoryLimit)
	}
	if opts.CPUTimeLimit != time.Second {
		t.Errorf("default cpu limit = %s", opts.CPUTimeLimit)
	}
	// Wall defaults to 3x CPU, same ratio the CLI applies.
	if opts.RealTimeLimit != 3*time.Second {
		t.Errorf("default wall limit = %s", opts.RealTimeLimit)
	}
	if opts.IsolationRoot != "/tmp/judge-root" {
		t.Errorf("default isolation root = %s", opts.IsolationRoot)
	}
}

func TestJobSpecUnknownOptionKeysAreIgnored(t *testing.T) {
	// Judges drop hand-written YAML; a typo'd key must not be silently
	// reinterpreted as a limit of zero on a *different* field.
	doc := "path: /bin/x\noptions:\n  memory_bytes: 123\n  not_a_real_key: 9\n"
	var spec JobSpec
	if err := yaml.Unmarshal([]byte(doc), &spec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if spec.Options.MemoryBytes != 123 {
		t.Errorf("memory_bytes = %d, want 123", spec.Options.MemoryBytes)
	}
}
