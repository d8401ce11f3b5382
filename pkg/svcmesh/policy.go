package svcmesh

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
)

// netpolTable is the filter-table chain network policy rules live in,
// referenced from FORWARD.
const netpolTable = "CLAW-NETPOL"

// PolicyRule is one ingress or egress rule of a NetworkPolicy.
type PolicyRule struct {
	FromCIDR     string
	FromSelector map[string]string
	Port         int
	Protocol     Protocol
}

// NetworkPolicy is the policy-compiler's input: a selector naming the
// matched workloads, plus ordered ingress/egress rule lists.
type NetworkPolicy struct {
	Name     string
	Selector map[string]string
	Ingress  []PolicyRule
	Egress   []PolicyRule
}

// PolicyCompiler translates NetworkPolicy documents into stateless
// filter rules tagged with a comment for idempotent removal.
type PolicyCompiler struct {
	resolver WorkloadResolver
}

// WorkloadResolver expands a label selector to the IPs of workloads
// currently matching it, used to realise from.selector rules.
type WorkloadResolver interface {
	ResolveSelectorIPs(selector map[string]string) []net.IP
}

// NewPolicyCompiler constructs a compiler backed by resolver for
// selector-based rule expansion.
func NewPolicyCompiler(resolver WorkloadResolver) *PolicyCompiler {
	return &PolicyCompiler{resolver: resolver}
}

// Compile programs policy against matchedIPs, the current set of
// workload IPs selected by policy.Selector. Empty ingress denies all
// inbound to matched workloads; non-empty ingress emits one ACCEPT per
// rule followed by a single trailing DROP. Empty egress denies all
// outbound. Every rule carries a comment tag policy:<name>.
func (c *PolicyCompiler) Compile(policy NetworkPolicy, matchedIPs []net.IP) error {
	if err := c.Remove(policy.Name); err != nil {
		return err
	}

	for _, dest := range matchedIPs {
		if err := c.compileIngress(policy, dest); err != nil {
			return err
		}
		if err := c.compileEgress(policy, dest); err != nil {
			return err
		}
	}
	return nil
}

func (c *PolicyCompiler) compileIngress(policy NetworkPolicy, dest net.IP) error {
	comment := fmt.Sprintf("policy:%s", policy.Name)

	if len(policy.Ingress) == 0 {
		return c.appendRule([]string{
			"-A", netpolTable,
			"-d", dest.String(),
			"-m", "comment", "--comment", comment,
			"-j", "DROP",
		})
	}

	for _, rule := range policy.Ingress {
		if err := c.emitRule(dest, rule, comment, true); err != nil {
			return err
		}
	}
	return c.appendRule([]string{
		"-A", netpolTable,
		"-d", dest.String(),
		"-m", "comment", "--comment", comment,
		"-j", "DROP",
	})
}

func (c *PolicyCompiler) compileEgress(policy NetworkPolicy, source net.IP) error {
	comment := fmt.Sprintf("policy:%s", policy.Name)

	if len(policy.Egress) == 0 {
		return c.appendRule([]string{
			"-A", netpolTable,
			"-s", source.String(),
			"-m", "comment", "--comment", comment,
			"-j", "DROP",
		})
	}

	for _, rule := range policy.Egress {
		if err := c.emitRule(source, rule, comment, false); err != nil {
			return err
		}
	}
	return nil
}

// emitRule translates one rule to ACCEPT filter entries. ingress is
// true when addr is the destination (matched workload); false when
// addr is the source.
func (c *PolicyCompiler) emitRule(addr net.IP, rule PolicyRule, comment string, ingress bool) error {
	base := []string{"-A", netpolTable}
	if ingress {
		base = append(base, "-d", addr.String())
	} else {
		base = append(base, "-s", addr.String())
	}

	switch {
	case rule.FromCIDR != "":
		args := append(append([]string{}, base...), "-s", rule.FromCIDR)
		args = appendPortProtocol(args, rule)
		args = append(args, "-m", "comment", "--comment", comment, "-j", "ACCEPT")
		return c.appendRule(args)

	case len(rule.FromSelector) > 0:
		if c.resolver == nil {
			return nil
		}
		for _, src := range c.resolver.ResolveSelectorIPs(rule.FromSelector) {
			args := append(append([]string{}, base...), "-s", src.String())
			args = appendPortProtocol(args, rule)
			args = append(args, "-m", "comment", "--comment", comment, "-j", "ACCEPT")
			if err := c.appendRule(args); err != nil {
				return err
			}
		}
		return nil

	default:
		args := append([]string{}, base...)
		args = appendPortProtocol(args, rule)
		args = append(args, "-m", "comment", "--comment", comment, "-j", "ACCEPT")
		return c.appendRule(args)
	}
}

func appendPortProtocol(args []string, rule PolicyRule) []string {
	if rule.Port == 0 {
		return args
	}
	protocol := rule.Protocol
	if protocol == "" {
		protocol = TCP
	}
	return append(args, "-p", string(protocol), "--dport", strconv.Itoa(rule.Port))
}

// Remove scans the netpol chain and deletes every rule tagged
// policy:<name>, repeating until none remain, so removal is idempotent
// regardless of how many rules the policy previously compiled to.
func (c *PolicyCompiler) Remove(name string) error {
	comment := fmt.Sprintf("policy:%s", name)
	for {
		removed, err := deleteFirstMatchingRule(netpolTable, comment)
		if err != nil {
			return err
		}
		if !removed {
			return nil
		}
	}
}

// deleteFirstMatchingRule lists the chain, finds the first rule whose
// comment matches tag, and deletes it by line number. Returns false
// when no matching rule remains.
func deleteFirstMatchingRule(table, tag string) (bool, error) {
	var tableArgs []string
	if table == servicesTable {
		tableArgs = []string{"-t", "nat"}
	}
	listArgs := append(append([]string{}, tableArgs...), "-L", table, "--line-numbers", "-n")
	out, err := exec.Command("iptables", listArgs...).CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("listing chain %s: %w (output: %s)", table, err, string(out))
	}
	lineNum := findRuleLine(string(out), tag)
	if lineNum == "" {
		return false, nil
	}
	if err := runIPTables(append(tableArgs, "-D", table, lineNum)); err != nil {
		return false, err
	}
	return true, nil
}

func findRuleLine(listing, tag string) string {
	for _, line := range strings.Split(listing, "\n") {
		if strings.Contains(line, "/* "+tag+" */") {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}

func (c *PolicyCompiler) appendRule(args []string) error {
	return runIPTables(args)
}
