// Package policy provides replication policies: predicates over groups of
// process localities that decide whether a group could hold a full replica
// team. The kill planner uses them as a survivability filter.
package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// Policy matches sim.Policy for duck-typing compatibility.
type Policy interface {
	Satisfied(groups []map[string]string) bool
	Name() string
}

// One is satisfied by any non-empty group.
type One struct{}

func (One) Satisfied(groups []map[string]string) bool { return len(groups) > 0 }

func (One) Name() string { return "One" }

// Across requires count members with pairwise-distinct values of a locality
// field, e.g. Across("zoneid", 3) is three replicas in three zones.
type Across struct {
	Field string
	Count int
}

// Satisfied reports whether the group spans at least Count distinct values
// of Field. Members missing the field do not contribute.
func (a Across) Satisfied(groups []map[string]string) bool {
	distinct := make(map[string]bool)
	for _, g := range groups {
		if v, ok := g[a.Field]; ok {
			distinct[v] = true
		}
	}
	return len(distinct) >= a.Count
}

func (a Across) Name() string {
	return fmt.Sprintf("Across(%s,%d)", a.Field, a.Count)
}

// And requires every sub-policy to hold.
type And struct {
	Policies []Policy
}

func (a And) Satisfied(groups []map[string]string) bool {
	for _, p := range a.Policies {
		if !p.Satisfied(groups) {
			return false
		}
	}
	return true
}

func (a And) Name() string {
	names := make([]string, len(a.Policies))
	for i, p := range a.Policies {
		names[i] = p.Name()
	}
	return "And(" + strings.Join(names, ",") + ")"
}

// New creates a policy from its config name.
// Valid names: "one", "across-zone-N", "across-dc-N".
func New(name string) (Policy, error) {
	switch {
	case name == "" || name == "one":
		return One{}, nil
	case strings.HasPrefix(name, "across-zone-"):
		n, err := strconv.Atoi(strings.TrimPrefix(name, "across-zone-"))
		if err != nil {
			return nil, fmt.Errorf("bad policy %q: %w", name, err)
		}
		return Across{Field: "zoneid", Count: n}, nil
	case strings.HasPrefix(name, "across-dc-"):
		n, err := strconv.Atoi(strings.TrimPrefix(name, "across-dc-"))
		if err != nil {
			return nil, fmt.Errorf("bad policy %q: %w", name, err)
		}
		return Across{Field: "dcid", Count: n}, nil
	default:
		return nil, fmt.Errorf("unknown replication policy %q", name)
	}
}
