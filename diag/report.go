// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package diag

import (
	"fmt"
	"strings"
	"time"
)

// Status classifies the outcome of one probe step.
type Status string

// Step outcomes.
const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Step records one phase of a probe run.
type Step struct {
	// Phase is the human-readable phase name, e.g. "TCP Connect".
	Phase string `yaml:"phase"`

	// Status is pass, fail, or skip.
	Status Status `yaml:"status"`

	// Message is a one-line outcome description.
	Message string `yaml:"message"`

	// Detail carries optional supporting data, e.g. the offered
	// security type names.
	Detail string `yaml:"detail,omitempty"`

	// Duration is how long the phase took.
	Duration time.Duration `yaml:"duration"`
}

// Report is the ordered result of a diagnostic probe. A report always
// exists, even for targets that fail at the first phase.
type Report struct {
	// Target is the endpoint as given to Probe.
	Target string `yaml:"target"`

	// ResolvedIP is the address the probe connected to, when known.
	ResolvedIP string `yaml:"resolved_ip,omitempty"`

	// Protocol is the server's announced protocol version, when known.
	Protocol string `yaml:"protocol,omitempty"`

	// Steps lists every executed phase in order. Phases that never ran
	// because an earlier one failed do not appear.
	Steps []Step `yaml:"steps"`

	// Summary is a one-line aggregate, e.g. "4/6 passed, failed: [TCP Connect]".
	Summary string `yaml:"summary"`

	// Hint names the most likely root cause of the first failure.
	Hint string `yaml:"hint,omitempty"`

	// Elapsed is the total probe duration.
	Elapsed time.Duration `yaml:"elapsed"`
}

// Passed reports whether every executed step passed.
func (r *Report) Passed() bool {
	for _, step := range r.Steps {
		if step.Status == StatusFail {
			return false
		}
	}
	return true
}

// finish computes the summary and root-cause hint from the recorded steps.
func (r *Report) finish(started time.Time) {
	r.Elapsed = time.Since(started)

	passed := 0
	counted := 0
	var failed []string
	for _, step := range r.Steps {
		if step.Status == StatusSkip {
			continue
		}
		counted++
		if step.Status == StatusPass {
			passed++
		} else {
			failed = append(failed, step.Phase)
		}
	}

	if len(failed) == 0 {
		r.Summary = fmt.Sprintf("%d/%d passed", passed, counted)
		return
	}

	r.Summary = fmt.Sprintf("%d/%d passed, failed: [%s]", passed, counted, strings.Join(failed, ", "))
	r.Hint = rootCauseHint(failed[0])
}

// rootCauseHint maps the first failed phase to the most likely explanation.
func rootCauseHint(phase string) string {
	switch phase {
	case phaseDNS:
		return "hostname does not resolve; check the address and DNS configuration"
	case phaseTCP:
		return "nothing is listening at the target; check host, port, and firewall rules"
	case phaseVersion:
		return "the target accepted the connection but is not speaking RFB; verify it is a VNC or screen sharing server"
	case phaseSecurity:
		return "the server rejected the connection or offers no security type this client supports"
	case phaseAuth:
		return "the authentication sub-protocol failed before credentials were checked; the server's security configuration may be incompatible"
	default:
		return ""
	}
}
