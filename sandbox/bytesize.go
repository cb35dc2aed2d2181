package sandbox

import "fmt"

// ByteSize is a humanized byte count, used when the CLI prints a job's
// memory usage.
type ByteSize uint64

func (b ByteSize) String() string {
	const unit = 1024
	v := float64(b)
	switch {
	case uint64(b) >= 1<<40:
		return fmt.Sprintf("%.2fTB", v/(1<<40))
	case uint64(b) >= 1<<30:
		return fmt.Sprintf("%.2fGB", v/(1<<30))
	case uint64(b) >= 1<<20:
		return fmt.Sprintf("%.2fMB", v/(1<<20))
	case uint64(b) >= 1<<10:
		return fmt.Sprintf("%.2fKB", v/(1<<10))
	default:
		return fmt.Sprintf("%dB", uint64(b))
	}
}
