// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package diag

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/supermarsx/rfbcore/rfb"
)

// mockProbeTarget is a scripted RFB server for prober tests. It speaks the
// version and security phases and, for VNC authentication, serves a
// challenge.
type mockProbeTarget struct {
	listener net.Listener
	wg       sync.WaitGroup

	securityTypes []uint8
}

func startProbeTarget(t *testing.T, securityTypes ...uint8) *mockProbeTarget {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	m := &mockProbeTarget{listener: listener, securityTypes: securityTypes}
	m.wg.Add(1)
	go m.serve()
	t.Cleanup(func() {
		listener.Close()
		m.wg.Wait()
	})
	return m
}

func (m *mockProbeTarget) Addr() string {
	return m.listener.Addr().String()
}

func (m *mockProbeTarget) serve() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		go m.handle(conn)
	}
}

func (m *mockProbeTarget) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("RFB 003.008\n")); err != nil {
		return
	}
	reply := make([]byte, 12)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return
	}

	if _, err := conn.Write(append([]byte{uint8(len(m.securityTypes))}, m.securityTypes...)); err != nil {
		return
	}

	var selection [1]byte
	if _, err := io.ReadFull(conn, selection[:]); err != nil {
		return
	}

	if rfb.SecurityType(selection[0]) == rfb.SecurityTypeVNCAuth {
		challenge := make([]byte, rfb.VNCChallengeSize)
		if _, err := conn.Write(challenge); err != nil {
			return
		}
	}

	// Hold the connection open briefly so the capability peek sees a
	// quiet but live socket.
	buf := make([]byte, 64)
	_, _ = conn.Read(buf)
}

func probeCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func stepByPhase(report *Report, phase string) (Step, bool) {
	for _, step := range report.Steps {
		if step.Phase == phase {
			return step, true
		}
	}
	return Step{}, false
}

func TestProbeTCPRefused(t *testing.T) {
	// Grab a free port and release it so nothing listens there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	prober := NewProber(Options{DialTimeout: time.Second})
	report := prober.Probe(probeCtx(t), addr)

	if len(report.Steps) != 2 {
		t.Fatalf("Steps = %d, want 2 (DNS then TCP, nothing after)", len(report.Steps))
	}
	if report.Steps[0].Phase != phaseDNS || report.Steps[0].Status != StatusPass {
		t.Errorf("step 0 = %+v, want passing DNS", report.Steps[0])
	}
	if report.Steps[1].Phase != phaseTCP || report.Steps[1].Status != StatusFail {
		t.Errorf("step 1 = %+v, want failing TCP", report.Steps[1])
	}
	if report.Passed() {
		t.Error("Passed() should be false")
	}
	if !strings.Contains(report.Summary, "failed: [TCP Connect]") {
		t.Errorf("Summary = %q, want TCP Connect failure listed", report.Summary)
	}
	if report.Hint == "" {
		t.Error("a failed probe should carry a root-cause hint")
	}
}

func TestProbeDNSFailure(t *testing.T) {
	prober := NewProber(Options{DialTimeout: time.Second})
	report := prober.Probe(probeCtx(t), "host.invalid:5900")

	dns, ok := stepByPhase(report, phaseDNS)
	if !ok {
		t.Fatal("missing DNS step")
	}
	if dns.Status != StatusFail {
		t.Errorf("DNS step status = %v, want fail", dns.Status)
	}

	// The TCP phase still runs with the literal target and fails too.
	if _, ok := stepByPhase(report, phaseTCP); !ok {
		t.Error("TCP phase should still run after a DNS failure")
	}
	if _, ok := stepByPhase(report, phaseVersion); ok {
		t.Error("no phase after a failed TCP connect should run")
	}
}

func TestProbeFullPassNoneAuth(t *testing.T) {
	target := startProbeTarget(t, uint8(rfb.SecurityTypeNone))

	prober := NewProber(Options{DialTimeout: time.Second})
	report := prober.Probe(probeCtx(t), target.Addr())

	if !report.Passed() {
		t.Fatalf("Probe() failed: %+v", report.Steps)
	}
	for _, phase := range []string{phaseDNS, phaseTCP, phaseVersion, phaseSecurity, phaseAuth, phasePeek} {
		if _, ok := stepByPhase(report, phase); !ok {
			t.Errorf("missing phase %q", phase)
		}
	}
	if report.Protocol != "RFB 003.008" {
		t.Errorf("Protocol = %q, want %q", report.Protocol, "RFB 003.008")
	}
	if report.ResolvedIP != "127.0.0.1" {
		t.Errorf("ResolvedIP = %q, want 127.0.0.1", report.ResolvedIP)
	}
	if !strings.Contains(report.Summary, "passed") {
		t.Errorf("Summary = %q", report.Summary)
	}
	if report.Elapsed <= 0 {
		t.Error("Elapsed should be positive")
	}

	auth, _ := stepByPhase(report, phaseAuth)
	if auth.Status != StatusPass {
		t.Errorf("auth step = %+v, want pass for None", auth)
	}
}

func TestProbeSecurityTypeNames(t *testing.T) {
	target := startProbeTarget(t,
		uint8(rfb.SecurityTypeNone),
		uint8(rfb.SecurityTypeVNCAuth),
		uint8(rfb.SecurityTypeTight),
		37) // unassigned

	prober := NewProber(Options{DialTimeout: time.Second})
	report := prober.Probe(probeCtx(t), target.Addr())

	security, ok := stepByPhase(report, phaseSecurity)
	if !ok {
		t.Fatal("missing security step")
	}
	for _, want := range []string{"None", "VNC Authentication", "Tight", "Unknown (37)"} {
		if !strings.Contains(security.Detail, want) {
			t.Errorf("security detail %q missing %q", security.Detail, want)
		}
	}
}

func TestProbeVNCAuthWithCredentials(t *testing.T) {
	target := startProbeTarget(t, uint8(rfb.SecurityTypeVNCAuth))

	prober := NewProber(Options{
		DialTimeout: time.Second,
		Credentials: rfb.Credentials{Password: "secret"},
	})
	report := prober.Probe(probeCtx(t), target.Addr())

	auth, ok := stepByPhase(report, phaseAuth)
	if !ok {
		t.Fatal("missing auth step")
	}
	if auth.Status != StatusPass {
		t.Errorf("auth step = %+v, want pass (challenge received)", auth)
	}
	if !strings.Contains(auth.Message, "challenge") {
		t.Errorf("auth message = %q, want challenge mention", auth.Message)
	}
}

func TestProbeVNCAuthSkippedWithoutCredentials(t *testing.T) {
	target := startProbeTarget(t, uint8(rfb.SecurityTypeVNCAuth))

	prober := NewProber(Options{DialTimeout: time.Second})
	report := prober.Probe(probeCtx(t), target.Addr())

	auth, ok := stepByPhase(report, phaseAuth)
	if !ok {
		t.Fatal("missing auth step")
	}
	if auth.Status != StatusSkip {
		t.Errorf("auth step status = %v, want skip without credentials", auth.Status)
	}
	// Skips do not fail the probe.
	if !report.Passed() {
		t.Error("Passed() should be true when the only non-pass is a skip")
	}
}

func TestProbeRejectionReason(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

		if _, err := conn.Write([]byte("RFB 003.008\n")); err != nil {
			return
		}
		reply := make([]byte, 12)
		if _, err := io.ReadFull(conn, reply); err != nil {
			return
		}

		// Zero security types plus a reason.
		reason := "server is locked"
		_, _ = conn.Write([]byte{0})
		_ = binary.Write(conn, binary.BigEndian, uint32(len(reason)))
		_, _ = conn.Write([]byte(reason))
	}()

	prober := NewProber(Options{DialTimeout: time.Second})
	report := prober.Probe(probeCtx(t), listener.Addr().String())

	security, ok := stepByPhase(report, phaseSecurity)
	if !ok {
		t.Fatal("missing security step")
	}
	if security.Status != StatusFail {
		t.Errorf("security step status = %v, want fail", security.Status)
	}
	if !strings.Contains(security.Detail, "server is locked") {
		t.Errorf("security detail = %q, want server reason", security.Detail)
	}
	if _, ok := stepByPhase(report, phaseAuth); ok {
		t.Error("auth phase should not run after a security failure")
	}
	if report.Hint == "" {
		t.Error("a failed probe should carry a root-cause hint")
	}
}

func TestProbeDefaultPort(t *testing.T) {
	host, port := splitTarget("example.com")
	if host != "example.com" || port != "5900" {
		t.Errorf("splitTarget() = %q:%q, want example.com:5900", host, port)
	}

	host, port = splitTarget("example.com:5901")
	if host != "example.com" || port != "5901" {
		t.Errorf("splitTarget() = %q:%q, want example.com:5901", host, port)
	}
}
