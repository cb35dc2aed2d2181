//go:build linux

package linux

// DoctorReport is what `minion doctor` prints: which resource driver
// this host can actually enforce, and why the others were rejected.
type DoctorReport struct {
	AvailableDriver string
	CandidateErrors map[string]string
	Notes           []string
}

// Doctor runs every driver's smoke check (not just the first that
// passes, unlike selectDriver) so the CLI can report the full picture
// rather than just "it works" or "it doesn't".
func Doctor() DoctorReport {
	report := DoctorReport{CandidateErrors: make(map[string]string)}

	v2 := newCgroupV2Driver("")
	if err := v2.smokeCheck(); err != nil {
		report.CandidateErrors["cgroupv2"] = err.Error()
	} else if report.AvailableDriver == "" {
		report.AvailableDriver = "cgroupv2"
	}

	v1 := newCgroupV1Driver("")
	if err := v1.smokeCheck(); err != nil {
		report.CandidateErrors["cgroupv1"] = err.Error()
	} else if report.AvailableDriver == "" {
		report.AvailableDriver = "cgroupv1"
	}

	rl := newRlimitDriver()
	if err := rl.smokeCheck(); err != nil {
		report.CandidateErrors["rlimit"] = err.Error()
	} else if report.AvailableDriver == "" {
		report.AvailableDriver = "rlimit"
	}

	if report.AvailableDriver == "" {
		report.Notes = append(report.Notes, "no resource driver is usable on this host")
	}
	return report
}
