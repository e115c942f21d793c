package worker

import (
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
)

// ConnectorConfig is one entry in a connector manifest. The map key in
// the manifest is the connector name; Type selects the implementation.
type ConnectorConfig struct {
	Type     string `toml:"type"` // "sim", "exec" or "wasm"
	Disabled bool   `toml:"disabled"`

	// Capability advertisement. Services is required; the rest widen the
	// worker's capability set for matching.
	Services   []string `toml:"services"`
	Models     []string `toml:"models"`
	Components []string `toml:"components"`
	Workflows  []string `toml:"workflows"`

	// sim
	DurationMS  int64   `toml:"duration_ms"`
	Steps       int     `toml:"steps"`
	FailureRate float64 `toml:"failure_rate"`

	// exec
	Command        string `toml:"command"`
	WorkDir        string `toml:"workdir"`
	Fetch          string `toml:"fetch"`
	TimeoutSeconds int    `toml:"timeout_seconds"`

	// wasm
	Module string `toml:"module"`
}

// Manifest is the worker's connectors.toml: a named table per connector.
//
//	[connectors.whisper]
//	type = "exec"
//	services = ["transcription"]
//	command = "whisper-cli --output json"
type Manifest struct {
	Connectors map[string]ConnectorConfig `toml:"connectors"`
}

// LoadManifest reads and validates a connector manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading connector manifest %s", path)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing connector manifest %s", path)
	}
	if err := m.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid connector manifest %s", path)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Connectors) == 0 {
		return errors.New("manifest defines no connectors")
	}
	for name, cc := range m.Connectors {
		if cc.Disabled {
			continue
		}
		switch cc.Type {
		case "sim":
		case "exec":
			if cc.Command == "" {
				return errors.Newf("connector %q: exec requires command", name)
			}
		case "wasm":
			if cc.Module == "" {
				return errors.Newf("connector %q: wasm requires module", name)
			}
		case "":
			return errors.Newf("connector %q: type is required", name)
		default:
			return errors.Newf("connector %q: unknown type %q", name, cc.Type)
		}
		if len(cc.Services) == 0 {
			return errors.Newf("connector %q: at least one service is required", name)
		}
	}
	return nil
}

// Build instantiates the manifest's enabled connectors in name order.
func (m *Manifest) Build() ([]Connector, error) {
	names := make([]string, 0, len(m.Connectors))
	for name := range m.Connectors {
		names = append(names, name)
	}
	sort.Strings(names)

	var conns []Connector
	for _, name := range names {
		cc := m.Connectors[name]
		if cc.Disabled {
			continue
		}
		caps := queue.Capabilities{
			Services:   cc.Services,
			Models:     cc.Models,
			Components: cc.Components,
			Workflows:  cc.Workflows,
		}
		switch cc.Type {
		case "sim":
			conns = append(conns, NewSimConnector(name, caps, SimOptions{
				DurationMS:  cc.DurationMS,
				Steps:       cc.Steps,
				FailureRate: cc.FailureRate,
			}))
		case "exec":
			conns = append(conns, NewExecConnector(name, caps, ExecOptions{
				Command:        cc.Command,
				WorkDir:        cc.WorkDir,
				Fetch:          cc.Fetch,
				TimeoutSeconds: cc.TimeoutSeconds,
			}))
		case "wasm":
			conns = append(conns, NewWasmConnector(name, caps, WasmOptions{
				Module: cc.Module,
			}))
		default:
			return nil, errors.Newf("connector %q: unknown type %q", name, cc.Type)
		}
	}
	if len(conns) == 0 {
		return nil, errors.New("manifest defines no enabled connectors")
	}
	return conns, nil
}

// LoadConnectors builds the connector set for a worker: the manifest at
// path when given, otherwise a single sim connector covering services.
// The fallback keeps a bare `weft work` useful for development.
func LoadConnectors(path string, services []string) ([]Connector, error) {
	if path == "" {
		if len(services) == 0 {
			services = []string{"sim"}
		}
		return []Connector{NewSimConnector("sim", queue.Capabilities{Services: services}, SimOptions{})}, nil
	}
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return m.Build()
}
