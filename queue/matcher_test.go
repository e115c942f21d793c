package queue

import "testing"

// ============================================================================
// Lachesis Measures the Thread: Matcher Test Universe
// ============================================================================
//
// Characters:
//   - Lachesis: the allotter, measures each thread against each weaver
//   - Arachne: a capable weaver with a modest loom
//   - Hephaestus: runs the forge-grade loom with serious hardware
//   - Hermes: weaves for many houses (broad customer access)
//
// Theme: Lachesis never assigns a thread to hands that cannot hold it.
// Each filter is a measurement; the first one that comes up short names
// the reason.
// ============================================================================

func weaver(id string, caps Capabilities) *Worker {
	return &Worker{ID: id, Capabilities: caps}
}

// TestLachesisMatchesServiceFirst tests the service filter
func TestLachesisMatchesServiceFirst(t *testing.T) {
	t.Log("📏 Lachesis checks the craft before anything else...")

	arachne := weaver("arachne", Capabilities{Services: []string{"weave", "dye"}})

	if v := Eligible(&Job{ServiceRequired: "weave"}, arachne); !v.OK {
		t.Errorf("Offered service rejected: %s", v.Reason)
	}
	if v := Eligible(&Job{ServiceRequired: "smelt"}, arachne); v.OK {
		t.Error("Arachne was handed a smelting job")
	} else if v.Reason != ReasonService {
		t.Errorf("Reason = %s, want %s", v.Reason, ReasonService)
	}

	t.Log("✓ No weaver receives a craft she does not practice")
}

// TestHardwareLowerBounds tests hardware requirement matching
func TestHardwareLowerBounds(t *testing.T) {
	t.Log("🔨 Hephaestus's forge loom is measured against demanding threads...")

	forge := weaver("hephaestus", Capabilities{
		Services: []string{"weave"},
		Hardware: Hardware{GPUMemoryGB: 24, GPUCount: 2, CPUCores: 16, RAMGB: 64},
	})

	fits := &Job{
		ServiceRequired: "weave",
		Requirements:    &Requirements{Hardware: &Hardware{GPUMemoryGB: 24, GPUCount: 1}},
	}
	if v := Eligible(fits, forge); !v.OK {
		t.Errorf("Exact-fit hardware rejected: %s", v.Reason)
	}

	tooBig := &Job{
		ServiceRequired: "weave",
		Requirements:    &Requirements{Hardware: &Hardware{GPUMemoryGB: 48}},
	}
	if v := Eligible(tooBig, forge); v.OK {
		t.Error("A 48GB demand fit a 24GB loom")
	} else if v.Reason != ReasonHardware {
		t.Errorf("Reason = %s, want %s", v.Reason, ReasonHardware)
	}

	// A thread with no hardware demands fits any loom.
	bare := weaver("bare", Capabilities{Services: []string{"weave"}})
	if v := Eligible(&Job{ServiceRequired: "weave"}, bare); !v.OK {
		t.Errorf("Demand-free thread rejected by a bare loom: %s", v.Reason)
	}

	t.Log("✓ Demands are lower bounds; absent demands bind nothing")
}

// TestModelAndComponentInventories tests the containsAll filters
func TestModelAndComponentInventories(t *testing.T) {
	arachne := weaver("arachne", Capabilities{
		Services:   []string{"weave"},
		Models:     []string{"damask", "brocade"},
		Components: []string{"shuttle", "heddle"},
		Workflows:  []string{"tapestry"},
	})

	full := &Job{
		ServiceRequired: "weave",
		Requirements: &Requirements{
			Models:     []string{"damask"},
			Components: []string{"shuttle", "heddle"},
			Workflows:  []string{"tapestry"},
		},
	}
	if v := Eligible(full, arachne); !v.OK {
		t.Errorf("Fully stocked weaver rejected: %s", v.Reason)
	}

	missing := &Job{
		ServiceRequired: "weave",
		Requirements:    &Requirements{Models: []string{"damask", "velvet"}},
	}
	if v := Eligible(missing, arachne); v.OK {
		t.Error("A velvet demand passed without velvet in stock")
	} else if v.Reason != ReasonModels {
		t.Errorf("Reason = %s, want %s", v.Reason, ReasonModels)
	}

	noComponent := &Job{
		ServiceRequired: "weave",
		Requirements:    &Requirements{Components: []string{"treadle"}},
	}
	if v := Eligible(noComponent, arachne); v.Reason != ReasonComponents {
		t.Errorf("Reason = %s, want %s", v.Reason, ReasonComponents)
	}
}

// TestCustomerIsolationModes tests none, loose, and strict isolation
func TestCustomerIsolationModes(t *testing.T) {
	t.Log("🪽 Hermes weaves for many houses; the houses differ on privacy...")

	hermes := weaver("hermes", Capabilities{
		Services:       []string{"weave"},
		CustomerID:     "house-of-atreus",
		CustomerAccess: []string{"house-of-troy"},
	})

	job := func(mode IsolationMode, customer string) *Job {
		return &Job{
			ServiceRequired: "weave",
			CustomerID:      customer,
			Requirements:    &Requirements{CustomerIsolation: mode},
		}
	}

	// No isolation: any house's thread will do.
	if v := Eligible(job(IsolationNone, "house-of-thebes"), hermes); !v.OK {
		t.Errorf("Open thread rejected: %s", v.Reason)
	}

	// Loose: own house or a house on the access list.
	if v := Eligible(job(IsolationLoose, "house-of-atreus"), hermes); !v.OK {
		t.Errorf("Own house rejected under loose isolation: %s", v.Reason)
	}
	if v := Eligible(job(IsolationLoose, "house-of-troy"), hermes); !v.OK {
		t.Errorf("Access-listed house rejected under loose isolation: %s", v.Reason)
	}
	if v := Eligible(job(IsolationLoose, "house-of-thebes"), hermes); v.OK {
		t.Error("A stranger's thread passed loose isolation")
	} else if v.Reason != ReasonIsolation {
		t.Errorf("Reason = %s, want %s", v.Reason, ReasonIsolation)
	}

	// Strict: the access list buys nothing.
	if v := Eligible(job(IsolationStrict, "house-of-atreus"), hermes); !v.OK {
		t.Errorf("Own house rejected under strict isolation: %s", v.Reason)
	}
	if v := Eligible(job(IsolationStrict, "house-of-troy"), hermes); v.OK {
		t.Error("Strict isolation honored the access list")
	}

	// Strict with an empty customer admits only unaffiliated weavers.
	unaffiliated := weaver("drifter", Capabilities{Services: []string{"weave"}})
	if v := Eligible(job(IsolationStrict, ""), unaffiliated); !v.OK {
		t.Errorf("Unaffiliated weaver rejected for an unaffiliated thread: %s", v.Reason)
	}
	if v := Eligible(job(IsolationStrict, ""), hermes); v.OK {
		t.Error("An affiliated weaver took a strictly unaffiliated thread")
	}

	t.Log("✓ None admits all, loose honors the ledger, strict trusts no one")
}

// TestLastFailedIsMeasuredLast tests that the retry marker is the final
// filter, so clearing it is safe
func TestLastFailedIsMeasuredLast(t *testing.T) {
	t.Log("📏 Lachesis weighs past failure only when all else fits...")

	arachne := weaver("arachne", Capabilities{Services: []string{"weave"}})
	burned := &Job{ServiceRequired: "weave", LastFailedWorker: "arachne"}

	if v := Eligible(burned, arachne); v.OK {
		t.Error("Arachne re-claimed the thread she just dropped")
	} else if v.Reason != ReasonLastFailed {
		t.Errorf("Reason = %s, want %s", v.Reason, ReasonLastFailed)
	}

	// Another weaver is untouched by the marker.
	athena := weaver("athena", Capabilities{Services: []string{"weave"}})
	if v := Eligible(burned, athena); !v.OK {
		t.Errorf("The marker blocked an innocent weaver: %s", v.Reason)
	}

	// A mismatched service outranks the marker in the verdict.
	wrongCraft := &Job{ServiceRequired: "smelt", LastFailedWorker: "arachne"}
	if v := Eligible(wrongCraft, arachne); v.Reason != ReasonService {
		t.Errorf("Reason = %s, want %s before the marker is even weighed", v.Reason, ReasonService)
	}

	t.Log("✓ The marker only fires when the weaver was otherwise worthy")
}

// TestHardwareSatisfies tests the lower-bound comparison directly
func TestHardwareSatisfies(t *testing.T) {
	loom := Hardware{GPUMemoryGB: 16, GPUCount: 1, CPUCores: 8, RAMGB: 32}

	cases := []struct {
		name string
		need Hardware
		want bool
	}{
		{"nothing needed", Hardware{}, true},
		{"exact fit", Hardware{GPUMemoryGB: 16, GPUCount: 1, CPUCores: 8, RAMGB: 32}, true},
		{"headroom", Hardware{GPUMemoryGB: 8}, true},
		{"gpu memory short", Hardware{GPUMemoryGB: 24}, false},
		{"gpu count short", Hardware{GPUCount: 2}, false},
		{"cpu short", Hardware{CPUCores: 12}, false},
		{"ram short", Hardware{RAMGB: 64}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := loom.Satisfies(tc.need); got != tc.want {
				t.Errorf("Satisfies(%+v) = %v, want %v", tc.need, got, tc.want)
			}
		})
	}
}
