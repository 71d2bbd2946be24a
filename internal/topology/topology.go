package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind tags a node with the role it plays in the topology.
type Kind string

const (
	// KindHost is a plain host: it has a shell but does not run the service.
	KindHost Kind = "host"
	// KindService is a host running the data service under test.
	KindService Kind = "service"
)

// RuntimeType selects how node processes are started and stopped.
type RuntimeType string

const (
	// RuntimeCompose starts nodes as docker compose services.
	RuntimeCompose RuntimeType = "compose"
	// RuntimeProcess starts nodes as local processes.
	RuntimeProcess RuntimeType = "process"
)

// DefaultFailureMarker is the text the service prints when a command failed at
// the application level even though the client exited with status zero.
const DefaultFailureMarker = "Exception:"

// Node is the immutable identity of a topology member.
type Node struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`
}

func (n Node) String() string {
	return fmt.Sprintf("Node(name=%q, kind=%s)", n.Name, n.Kind)
}

// KindSpec describes how to talk to every node of one kind.
type KindSpec struct {
	// Probe is the idempotent, side-effect free readiness command.
	Probe string `yaml:"probe,omitempty"`
	// Client is the service client invocation used by queries.
	Client string `yaml:"client,omitempty"`
	// RestartPrepare are queries run before a safe restart.
	RestartPrepare []string `yaml:"restart_prepare,omitempty"`
}

// NodeSpec is a node entry in the descriptor.
type NodeSpec struct {
	Node `yaml:",inline"`
	// Command starts the node when the process runtime is used.
	Command []string `yaml:"command,omitempty"`
	// Shell overrides the interactive shell command opened for this node.
	Shell []string `yaml:"shell,omitempty"`
	// Dir is the working directory of the node process and its shells.
	Dir string `yaml:"dir,omitempty"`
	// Env is added to the node process and its shells.
	Env map[string]string `yaml:"env,omitempty"`
}

// ComposeSpec locates the docker compose project.
type ComposeSpec struct {
	// Binary is the compose command, e.g. "docker-compose" or "docker compose".
	Binary string `yaml:"binary,omitempty"`
	// ProjectDir is the compose project directory, relative to the descriptor.
	ProjectDir string `yaml:"project_dir,omitempty"`
	// File is the compose file name inside ProjectDir.
	File string `yaml:"file,omitempty"`
}

// Descriptor is the on-disk description of a test topology.
type Descriptor struct {
	Name           string            `yaml:"name"`
	Runtime        RuntimeType       `yaml:"runtime,omitempty"`
	Compose        ComposeSpec       `yaml:"compose,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	FailureMarkers []string          `yaml:"failure_markers,omitempty"`
	Kinds          map[Kind]KindSpec `yaml:"kinds,omitempty"`
	Nodes          []NodeSpec        `yaml:"nodes"`

	// BaseDir is the directory relative paths are resolved against.
	BaseDir string `yaml:"-"`
}

var builtinKinds = map[Kind]KindSpec{
	KindService: {
		Probe:  `clickhouse client -q "SELECT 1"`,
		Client: "clickhouse client -n",
		RestartPrepare: []string{
			"SYSTEM STOP MOVES",
			"SYSTEM STOP MERGES",
			"SYSTEM FLUSH LOGS",
		},
	},
	KindHost: {
		Probe: "true",
	},
}

// Load reads and validates a descriptor file.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology %s: %w", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve topology path: %w", err)
	}

	d, err := Parse(data, filepath.Dir(absPath))
	if err != nil {
		return nil, fmt.Errorf("invalid topology %s: %w", path, err)
	}
	return d, nil
}

// Parse decodes a descriptor, applies defaults and validates it. baseDir is
// used to resolve relative paths.
func Parse(data []byte, baseDir string) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	d.BaseDir = baseDir
	d.applyDefaults()

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Descriptor) applyDefaults() {
	if d.Runtime == "" {
		d.Runtime = RuntimeCompose
	}
	if d.Compose.Binary == "" {
		d.Compose.Binary = "docker-compose"
	}
	if d.Compose.ProjectDir == "" {
		d.Compose.ProjectDir = "docker-compose"
	}
	if d.Compose.File == "" {
		d.Compose.File = "docker-compose.yml"
	}
	if len(d.FailureMarkers) == 0 {
		d.FailureMarkers = []string{DefaultFailureMarker}
	}

	for k, v := range d.Env {
		d.Env[k] = os.ExpandEnv(v)
	}

	for i := range d.Nodes {
		if d.Nodes[i].Kind == "" {
			d.Nodes[i].Kind = inferKind(d.Nodes[i].Name)
		}
	}
}

// inferKind keeps the naming convention of existing compose projects working
// without kind annotations.
func inferKind(name string) Kind {
	if strings.HasPrefix(name, "clickhouse") {
		return KindService
	}
	return KindHost
}

// Validate checks the descriptor for structural errors.
func (d *Descriptor) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("topology has no nodes")
	}

	switch d.Runtime {
	case RuntimeCompose, RuntimeProcess:
	default:
		return fmt.Errorf("unsupported runtime %q", d.Runtime)
	}

	seen := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node %d has no name", i)
		}
		if strings.ContainsAny(n.Name, " \t\n/") {
			return fmt.Errorf("node name %q contains whitespace or '/'", n.Name)
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = true

		if _, ok := d.lookupKind(n.Kind); !ok {
			return fmt.Errorf("node %q has unknown kind %q", n.Name, n.Kind)
		}
		if d.Runtime == RuntimeProcess && len(n.Command) == 0 {
			return fmt.Errorf("node %q needs a command for the process runtime", n.Name)
		}
	}

	for kind := range d.Kinds {
		if spec, _ := d.lookupKind(kind); strings.TrimSpace(spec.Probe) == "" {
			return fmt.Errorf("kind %q has no health probe", kind)
		}
	}
	return nil
}

func (d *Descriptor) lookupKind(kind Kind) (KindSpec, bool) {
	builtin, isBuiltin := builtinKinds[kind]
	custom, isCustom := d.Kinds[kind]
	if !isBuiltin && !isCustom {
		return KindSpec{}, false
	}

	spec := builtin
	if custom.Probe != "" {
		spec.Probe = custom.Probe
	}
	if custom.Client != "" {
		spec.Client = custom.Client
	}
	if custom.RestartPrepare != nil {
		spec.RestartPrepare = custom.RestartPrepare
	}
	return spec, true
}

// KindSpec returns the effective specification of a kind, built-in defaults
// overlaid with descriptor values.
func (d *Descriptor) KindSpec(kind Kind) KindSpec {
	spec, _ := d.lookupKind(kind)
	return spec
}

// Node returns the node entry with the given name.
func (d *Descriptor) Node(name string) (NodeSpec, bool) {
	for _, n := range d.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Members returns node identities in descriptor order.
func (d *Descriptor) Members() []Node {
	nodes := make([]Node, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		nodes = append(nodes, n.Node)
	}
	return nodes
}

// NodesOfKind returns the names of all nodes of a kind, in descriptor order.
func (d *Descriptor) NodesOfKind(kind Kind) []string {
	var names []string
	for _, n := range d.Nodes {
		if n.Kind == kind {
			names = append(names, n.Name)
		}
	}
	return names
}

// ResolvePath makes p absolute relative to the descriptor directory.
func (d *Descriptor) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || d.BaseDir == "" {
		return p
	}
	return filepath.Join(d.BaseDir, p)
}

// ComposeFilePath is the absolute path of the compose file.
func (d *Descriptor) ComposeFilePath() string {
	return filepath.Join(d.ResolvePath(d.Compose.ProjectDir), d.Compose.File)
}
