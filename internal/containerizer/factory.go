package containerizer

import (
	"fmt"

	"testbed/internal/topology"
)

// New creates the runtime selected by the descriptor.
func New(d *topology.Descriptor) (Runtime, error) {
	switch d.Runtime {
	case topology.RuntimeCompose, "":
		return NewComposeRuntime(d)
	case topology.RuntimeProcess:
		return NewProcessRuntime(d), nil
	default:
		return nil, fmt.Errorf("unsupported runtime: %s", d.Runtime)
	}
}
