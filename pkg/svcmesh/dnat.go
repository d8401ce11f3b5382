package svcmesh

import (
	"fmt"
	"net"
	"os/exec"
	"sync"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/clawmetrics"
	"github.com/rs/zerolog"
)

// servicesTable is the iptables nat-table chain DNAT rules for service
// VIPs live in, referenced from PREROUTING and OUTPUT.
const servicesTable = "CLAW-SERVICES"

// DNATProgrammer reprograms a service's destination-NAT rules whenever
// its endpoint list changes.
type DNATProgrammer interface {
	Program(serviceName string, vip net.IP, protocol Protocol, port int, endpoints []Endpoint) error
	Unprogram(serviceName string) error
}

// IPTablesProgrammer programs service DNAT through the system iptables
// binary, adapting the host-port DNAT rule lifecycle to service-VIP
// DNAT with round-robin backend selection via the statistic module.
type IPTablesProgrammer struct {
	logger zerolog.Logger

	mu        sync.Mutex
	programed map[string]int // service -> rule count last programmed
}

// NewIPTablesProgrammer constructs a programmer. Callers should ensure
// the CLAW-SERVICES chain exists and is referenced from PREROUTING and
// OUTPUT before any rules are programmed.
func NewIPTablesProgrammer() *IPTablesProgrammer {
	return &IPTablesProgrammer{
		logger:    clawlog.WithComponent("svcmesh.dnat"),
		programed: make(map[string]int),
	}
}

// Program replaces the DNAT rule set for serviceName with one rule per
// backend in order i=0..n-1, using the stateless-probabilistic
// selector every=n-i, packet=0. For n=1 the selector is omitted. This
// yields exactly uniform round-robin over a single packet's traversal
// without state.
func (p *IPTablesProgrammer) Program(serviceName string, vip net.IP, protocol Protocol, port int, endpoints []Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.unprogramLocked(serviceName); err != nil {
		return err
	}

	tag := serviceTag(serviceName)
	n := len(endpoints)
	for i, ep := range endpoints {
		args := []string{
			"-t", "nat",
			"-A", servicesTable,
			"-d", vip.String(),
			"-p", string(protocol),
			"--dport", fmt.Sprintf("%d", port),
		}
		if n > 1 {
			args = append(args,
				"-m", "statistic",
				"--mode", "nth",
				"--every", fmt.Sprintf("%d", n-i),
				"--packet", "0",
			)
		}
		args = append(args,
			"-m", "comment", "--comment", tag,
			"-j", "DNAT",
			"--to-destination", fmt.Sprintf("%s:%d", ep.IP, ep.Port),
		)
		if err := runIPTables(args); err != nil {
			p.logger.Warn().Err(err).Str("service", serviceName).Msg("failed to program DNAT rule, rolling back")
			p.unprogramLocked(serviceName)
			return fmt.Errorf("programming DNAT rule %d/%d for %q: %w", i+1, n, serviceName, err)
		}
	}

	p.programed[serviceName] = n
	clawmetrics.DNATRulesProgrammed.WithLabelValues(serviceName).Set(float64(n))
	return nil
}

// Unprogram deletes every DNAT rule tagged for serviceName, matching
// the "delete until none remain" idempotent removal the netpol
// compiler uses for its own tagged rules.
func (p *IPTablesProgrammer) Unprogram(serviceName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unprogramLocked(serviceName)
}

// unprogramLocked deletes every DNAT rule tagged with serviceName's
// comment, scanning the chain and removing the first matching rule by
// line number, repeating until none remain. This removes exactly the
// calling service's rules regardless of position in CLAW-SERVICES or
// how many other services are currently programmed alongside it.
func (p *IPTablesProgrammer) unprogramLocked(serviceName string) error {
	tag := serviceTag(serviceName)
	for {
		removed, err := deleteFirstMatchingRule(servicesTable, tag)
		if err != nil {
			return err
		}
		if !removed {
			break
		}
	}
	delete(p.programed, serviceName)
	clawmetrics.DNATRulesProgrammed.WithLabelValues(serviceName).Set(0)
	return nil
}

// serviceTag is the iptables comment tagging a service's DNAT rules,
// used to scan-and-delete exactly that service's rules on removal.
func serviceTag(serviceName string) string {
	return fmt.Sprintf("service:%s", serviceName)
}

func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables failed: %w (output: %s)", err, string(output))
	}
	return nil
}
