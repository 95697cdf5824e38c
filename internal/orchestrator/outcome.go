package orchestrator

import (
	"fmt"

	"github.com/mattjoyce/sidecar/internal/locate"
	"github.com/mattjoyce/sidecar/internal/provision"
)

// Kind classifies how a cycle ended.
type Kind int

const (
	Success Kind = iota
	DirectoryNotFound
	BuildFailed
	SpawnFailed
	ProvisionFailed
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case DirectoryNotFound:
		return "directory_not_found"
	case BuildFailed:
		return "build_failed"
	case SpawnFailed:
		return "spawn_failed"
	case ProvisionFailed:
		return "provision_failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one discover, provision, build, start cycle.
// It is produced once and never retried.
type Outcome struct {
	Kind  Kind
	Cycle string
	Root  locate.Root

	// Server describes the running server on Success.
	Server string
	PID    int
	// ExitStatus is the build's exit status on BuildFailed.
	ExitStatus int
	// Err is the cause for every Kind except Success.
	Err error

	Warnings []provision.Warning
}

// OK reports whether the server was started.
func (o Outcome) OK() bool { return o.Kind == Success }

func (o Outcome) String() string {
	switch o.Kind {
	case Success:
		return "started " + o.Server
	case BuildFailed:
		return fmt.Sprintf("build failed with status %d", o.ExitStatus)
	default:
		if o.Err != nil {
			return o.Kind.String() + ": " + o.Err.Error()
		}
		return o.Kind.String()
	}
}
