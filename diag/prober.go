// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package diag probes RFB endpoints phase by phase for troubleshooting.
// Unlike a real connection attempt, a probe keeps going as far as the
// server lets it and reports every phase outcome instead of stopping at
// the first error.
package diag

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/supermarsx/rfbcore/rfb"
)

// defaultProbePort is appended to targets given without a port.
const defaultProbePort = "5900"

// peekTimeout bounds the opportunistic read of the final phase.
const peekTimeout = 500 * time.Millisecond

// Phase names as they appear in reports.
const (
	phaseDNS      = "DNS Resolve"
	phaseTCP      = "TCP Connect"
	phaseVersion  = "Protocol Version"
	phaseSecurity = "Security Types"
	phaseAuth     = "Authentication Probe"
	phasePeek     = "Capability Peek"
)

// Options configures a Prober.
type Options struct {
	// DialTimeout bounds the TCP connect phase. Zero means 10 seconds.
	DialTimeout time.Duration

	// Credentials, when set, let the authentication probe start the
	// sub-protocol for password-based security types. The probe never
	// completes a login; credentials only gate whether the phase runs.
	Credentials rfb.Credentials

	// SecurityPreference overrides the selection priority used to pick
	// the type for the authentication probe.
	SecurityPreference []rfb.SecurityType

	// Logger receives probe progress. Nil means no logging.
	Logger rfb.Logger
}

// Prober runs handshake diagnostics against RFB endpoints. The prober is
// fully independent of the session layer: it opens its own throwaway
// connection and abandons it when the probe finishes.
type Prober struct {
	opts   Options
	logger rfb.Logger
}

// NewProber creates a Prober.
func NewProber(opts Options) *Prober {
	logger := opts.Logger
	if logger == nil {
		logger = &rfb.NoOpLogger{}
	}
	return &Prober{opts: opts, logger: logger}
}

// Probe diagnoses target ("host" or "host:port", port defaulting to 5900)
// and returns a report of every phase it could run. Probe itself never
// fails: a dead target produces a report whose steps say so.
func (p *Prober) Probe(ctx context.Context, target string) *Report {
	started := time.Now()
	report := &Report{Target: target}
	defer report.finish(started)

	host, port := splitTarget(target)

	p.resolvePhase(ctx, report, host)

	conn := p.connectPhase(ctx, report, net.JoinHostPort(host, port))
	if conn == nil {
		return report
	}
	defer conn.Close() //nolint:errcheck

	version, ok := p.versionPhase(report, conn)
	if !ok {
		return report
	}

	offered, ok := p.securityPhase(report, conn, version)
	if !ok {
		return report
	}

	if !p.authPhase(report, conn, version, offered) {
		return report
	}

	p.peekPhase(report, conn)

	return report
}

// record appends a finished step and logs it.
func (p *Prober) record(report *Report, step Step) {
	report.Steps = append(report.Steps, step)
	p.logger.Debug("Probe step finished",
		rfb.Field{Key: "phase", Value: step.Phase},
		rfb.Field{Key: "status", Value: string(step.Status)},
		rfb.Field{Key: "message", Value: step.Message})
}

// resolvePhase resolves the hostname. A failure is recorded but does not
// stop the probe; the connect phase gets its own chance with the literal
// target.
func (p *Prober) resolvePhase(ctx context.Context, report *Report, host string) {
	started := time.Now()

	if ip := net.ParseIP(host); ip != nil {
		report.ResolvedIP = ip.String()
		p.record(report, Step{
			Phase:    phaseDNS,
			Status:   StatusPass,
			Message:  "literal IP address, no lookup needed",
			Detail:   ip.String(),
			Duration: time.Since(started),
		})
		return
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		p.record(report, Step{
			Phase:    phaseDNS,
			Status:   StatusFail,
			Message:  fmt.Sprintf("failed to resolve %q", host),
			Detail:   errDetail(err),
			Duration: time.Since(started),
		})
		return
	}

	report.ResolvedIP = addrs[0].IP.String()
	names := make([]string, 0, len(addrs))
	for _, a := range addrs {
		names = append(names, a.IP.String())
	}

	p.record(report, Step{
		Phase:    phaseDNS,
		Status:   StatusPass,
		Message:  fmt.Sprintf("resolved to %d address(es)", len(addrs)),
		Detail:   strings.Join(names, ", "),
		Duration: time.Since(started),
	})
}

// connectPhase opens the TCP connection. On failure the probe stops here.
func (p *Prober) connectPhase(ctx context.Context, report *Report, endpoint string) net.Conn {
	started := time.Now()

	timeout := p.opts.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		p.record(report, Step{
			Phase:    phaseTCP,
			Status:   StatusFail,
			Message:  fmt.Sprintf("failed to connect to %s", endpoint),
			Detail:   errDetail(err),
			Duration: time.Since(started),
		})
		return nil
	}

	if report.ResolvedIP == "" {
		if host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String()); splitErr == nil {
			report.ResolvedIP = host
		}
	}

	p.record(report, Step{
		Phase:    phaseTCP,
		Status:   StatusPass,
		Message:  fmt.Sprintf("connected to %s", conn.RemoteAddr()),
		Duration: time.Since(started),
	})
	return conn
}

// versionPhase reads the server banner and replies with a capped version,
// mirroring what a real handshake would send.
func (p *Prober) versionPhase(report *Report, conn net.Conn) (rfb.ProtocolVersion, bool) {
	started := time.Now()

	var banner [12]byte
	if _, err := io.ReadFull(conn, banner[:]); err != nil {
		p.record(report, Step{
			Phase:    phaseVersion,
			Status:   StatusFail,
			Message:  "failed to read protocol version banner",
			Detail:   errDetail(err),
			Duration: time.Since(started),
		})
		return rfb.ProtocolVersion{}, false
	}

	var major, minor uint
	if _, err := fmt.Sscanf(string(banner[:]), "RFB %d.%d\n", &major, &minor); err != nil {
		p.record(report, Step{
			Phase:    phaseVersion,
			Status:   StatusFail,
			Message:  "server banner is not an RFB version string",
			Detail:   fmt.Sprintf("%q", string(banner[:])),
			Duration: time.Since(started),
		})
		return rfb.ProtocolVersion{}, false
	}

	server := rfb.ProtocolVersion{Major: major, Minor: minor}
	report.Protocol = server.String()

	reply := rfb.Version33
	switch {
	case major > 3 || (major == 3 && minor >= 8):
		reply = rfb.Version38
	case major == 3 && minor >= 7:
		reply = rfb.Version37
	}

	if _, err := conn.Write([]byte(reply.String() + "\n")); err != nil {
		p.record(report, Step{
			Phase:    phaseVersion,
			Status:   StatusFail,
			Message:  "failed to send protocol version reply",
			Detail:   errDetail(err),
			Duration: time.Since(started),
		})
		return rfb.ProtocolVersion{}, false
	}

	p.record(report, Step{
		Phase:    phaseVersion,
		Status:   StatusPass,
		Message:  fmt.Sprintf("server speaks %s, negotiated %s", server, reply),
		Duration: time.Since(started),
	})
	return reply, true
}

// securityPhase enumerates the security types the server offers and names
// every one of them, including types this client does not support.
func (p *Prober) securityPhase(report *Report, conn net.Conn, version rfb.ProtocolVersion) ([]rfb.SecurityType, bool) {
	started := time.Now()

	var offered []rfb.SecurityType

	if version == rfb.Version33 {
		var raw uint32
		if err := binary.Read(conn, binary.BigEndian, &raw); err != nil {
			p.record(report, Step{
				Phase:    phaseSecurity,
				Status:   StatusFail,
				Message:  "failed to read security type",
				Detail:   errDetail(err),
				Duration: time.Since(started),
			})
			return nil, false
		}
		if raw == 0 {
			p.record(report, Step{
				Phase:    phaseSecurity,
				Status:   StatusFail,
				Message:  "server rejected the connection",
				Detail:   readReason(conn),
				Duration: time.Since(started),
			})
			return nil, false
		}
		offered = []rfb.SecurityType{rfb.SecurityType(raw)} // #nosec G115 - registry values are small
	} else {
		var count uint8
		if err := binary.Read(conn, binary.BigEndian, &count); err != nil {
			p.record(report, Step{
				Phase:    phaseSecurity,
				Status:   StatusFail,
				Message:  "failed to read security type count",
				Detail:   errDetail(err),
				Duration: time.Since(started),
			})
			return nil, false
		}
		if count == 0 {
			p.record(report, Step{
				Phase:    phaseSecurity,
				Status:   StatusFail,
				Message:  "server offered no security types",
				Detail:   readReason(conn),
				Duration: time.Since(started),
			})
			return nil, false
		}

		raw := make([]uint8, count)
		if _, err := io.ReadFull(conn, raw); err != nil {
			p.record(report, Step{
				Phase:    phaseSecurity,
				Status:   StatusFail,
				Message:  "failed to read security type list",
				Detail:   errDetail(err),
				Duration: time.Since(started),
			})
			return nil, false
		}
		for _, b := range raw {
			offered = append(offered, rfb.SecurityType(b))
		}
	}

	names := make([]string, 0, len(offered))
	for _, t := range offered {
		names = append(names, t.Name())
	}

	p.record(report, Step{
		Phase:    phaseSecurity,
		Status:   StatusPass,
		Message:  fmt.Sprintf("server offers %d security type(s)", len(offered)),
		Detail:   strings.Join(names, ", "),
		Duration: time.Since(started),
	})
	return offered, true
}

// authPhase starts the authentication sub-protocol for the type a real
// connection would pick, verifying that the server actually serves it. The
// probe stops before any credential is sent.
func (p *Prober) authPhase(report *Report, conn net.Conn, version rfb.ProtocolVersion, offered []rfb.SecurityType) bool {
	started := time.Now()

	chosen, err := rfb.SelectSecurityType(offered, p.opts.SecurityPreference)
	if err != nil {
		p.record(report, Step{
			Phase:    phaseAuth,
			Status:   StatusFail,
			Message:  "no offered security type is supported",
			Detail:   errDetail(err),
			Duration: time.Since(started),
		})
		return false
	}

	// On 3.7/3.8 the server waits for our selection before starting the
	// sub-protocol. On 3.3 the type was unilateral and the sub-protocol
	// data follows immediately.
	if version != rfb.Version33 {
		if _, err := conn.Write([]byte{uint8(chosen)}); err != nil {
			p.record(report, Step{
				Phase:    phaseAuth,
				Status:   StatusFail,
				Message:  "failed to send security type selection",
				Detail:   errDetail(err),
				Duration: time.Since(started),
			})
			return false
		}
	}

	if chosen == rfb.SecurityTypeNone {
		p.record(report, Step{
			Phase:    phaseAuth,
			Status:   StatusPass,
			Message:  "no authentication required",
			Duration: time.Since(started),
		})
		return true
	}

	if p.opts.Credentials.Password == "" {
		p.record(report, Step{
			Phase:    phaseAuth,
			Status:   StatusSkip,
			Message:  fmt.Sprintf("server wants %s; no credentials supplied", chosen.Name()),
			Duration: time.Since(started),
		})
		return true
	}

	switch chosen {
	case rfb.SecurityTypeVNCAuth:
		var challenge [rfb.VNCChallengeSize]byte
		if _, err := io.ReadFull(conn, challenge[:]); err != nil {
			p.record(report, Step{
				Phase:    phaseAuth,
				Status:   StatusFail,
				Message:  "server did not send a VNC authentication challenge",
				Detail:   errDetail(err),
				Duration: time.Since(started),
			})
			return false
		}
		p.record(report, Step{
			Phase:    phaseAuth,
			Status:   StatusPass,
			Message:  "VNC authentication challenge received",
			Detail:   fmt.Sprintf("%d-byte challenge", len(challenge)),
			Duration: time.Since(started),
		})

	case rfb.SecurityTypeARD:
		params, err := rfb.ReadARDParams(conn)
		if err != nil {
			p.record(report, Step{
				Phase:    phaseAuth,
				Status:   StatusFail,
				Message:  "server did not send Apple Remote Desktop key exchange parameters",
				Detail:   errDetail(err),
				Duration: time.Since(started),
			})
			return false
		}
		p.record(report, Step{
			Phase:    phaseAuth,
			Status:   StatusPass,
			Message:  "Apple Remote Desktop key exchange parameters received",
			Detail:   fmt.Sprintf("%d-bit prime", params.BitLength()),
			Duration: time.Since(started),
		})

	default:
		p.record(report, Step{
			Phase:    phaseAuth,
			Status:   StatusSkip,
			Message:  fmt.Sprintf("probing %s is not implemented", chosen.Name()),
			Duration: time.Since(started),
		})
	}

	return true
}

// peekPhase opportunistically reads whatever the server sends next under a
// short deadline. Servers differ in how they treat an abandoned handshake;
// anything observed here is informational only.
func (p *Prober) peekPhase(report *Report, conn net.Conn) {
	started := time.Now()

	_ = conn.SetReadDeadline(time.Now().Add(peekTimeout))
	buf := make([]byte, 256)
	n, _ := conn.Read(buf)

	switch {
	case n > 0:
		p.record(report, Step{
			Phase:    phasePeek,
			Status:   StatusPass,
			Message:  fmt.Sprintf("server sent %d more byte(s) after the probe", n),
			Duration: time.Since(started),
		})
	default:
		p.record(report, Step{
			Phase:    phasePeek,
			Status:   StatusSkip,
			Message:  "no further data from server",
			Duration: time.Since(started),
		})
	}
}

// splitTarget separates host and port, defaulting the port to 5900.
func splitTarget(target string) (host, port string) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target, defaultProbePort
	}
	if port == "" {
		port = defaultProbePort
	}
	return host, port
}

// readReason fetches a rejection reason string, degrading quietly.
func readReason(conn io.Reader) string {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil || length > 64*1024 {
		return ""
	}
	reason := make([]byte, length)
	if _, err := io.ReadFull(conn, reason); err != nil {
		return ""
	}
	return string(reason)
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
