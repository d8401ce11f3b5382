package svcmesh

import (
	"strconv"
	"strings"
)

// Device is the attribute set a selector clause is evaluated against:
// a GPU's memory, name, or index.
type Device struct {
	MemoryMiB int
	Name      string
	Index     int
}

// EvaluateSelector supports AND of parts joined by &&. Each part is one
// of "device.memory_mib OP int", "device.name.contains('str')", or
// "device.index OP int". Unknown forms evaluate to true (lenient);
// whether unknowns should instead default to false is an open product
// question, not guessed here.
func EvaluateSelector(expr string, d Device) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	for _, part := range strings.Split(expr, "&&") {
		if !evaluatePart(strings.TrimSpace(part), d) {
			return false
		}
	}
	return true
}

func evaluatePart(part string, d Device) bool {
	if strings.HasPrefix(part, "device.name.contains(") && strings.HasSuffix(part, ")") {
		arg := part[len("device.name.contains(") : len(part)-1]
		arg = strings.Trim(arg, "'\"")
		return strings.Contains(d.Name, arg)
	}

	if _, op, value, ok := splitComparison(part, "device.memory_mib"); ok {
		return compareInt(d.MemoryMiB, op, value)
	}

	if _, op, value, ok := splitComparison(part, "device.index"); ok {
		return compareInt(d.Index, op, value)
	}

	// Unknown form: lenient.
	return true
}

var comparisonOps = []string{">=", "<=", "==", ">", "<"}

func splitComparison(part, prefix string) (field, op string, value int, ok bool) {
	if !strings.HasPrefix(part, prefix) {
		return "", "", 0, false
	}
	rest := strings.TrimSpace(part[len(prefix):])
	for _, candidate := range comparisonOps {
		if strings.HasPrefix(rest, candidate) {
			numStr := strings.TrimSpace(rest[len(candidate):])
			n, err := strconv.Atoi(numStr)
			if err != nil {
				return "", "", 0, false
			}
			return prefix, candidate, n, true
		}
	}
	return "", "", 0, false
}

func compareInt(actual int, op string, value int) bool {
	switch op {
	case ">=":
		return actual >= value
	case "<=":
		return actual <= value
	case "==":
		return actual == value
	case ">":
		return actual > value
	case "<":
		return actual < value
	default:
		return true
	}
}
