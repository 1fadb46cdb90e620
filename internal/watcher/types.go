package watcher

import (
	"path/filepath"
	"strings"
	"time"
)

// EventKind distinguishes the normalized change events
type EventKind int

const (
	// EventProfile is a stabilized NetCDF profile file
	EventProfile EventKind = iota

	// EventWMOID is a stabilized wmoid.txt
	EventWMOID

	// EventExtraAttrs is a stabilized extra_atts.json metadata override
	EventExtraAttrs

	// EventDeploymentCreated is a new deployment directory
	EventDeploymentCreated

	// EventDeploymentRemoved is a deleted deployment directory
	EventDeploymentRemoved

	// EventStuckFile reports a file that never stabilized within MaxWait
	EventStuckFile
)

func (k EventKind) String() string {
	switch k {
	case EventProfile:
		return "profile"
	case EventWMOID:
		return "wmoid"
	case EventExtraAttrs:
		return "extra_atts"
	case EventDeploymentCreated:
		return "deployment_created"
	case EventDeploymentRemoved:
		return "deployment_removed"
	case EventStuckFile:
		return "stuck_file"
	default:
		return "unknown"
	}
}

// Event is a normalized file system change
type Event struct {
	Kind         EventKind
	Path         string
	Operator     string
	DeploymentID string
	DetectedAt   time.Time

	// Populated for file events
	ModTime time.Time
	Size    int64
}

const (
	wmoidFile     = "wmoid.txt"
	extraAttsFile = "extra_atts.json"
)

// location is a path's position in the <root>/<operator>/<deployment>/<file> tree
type location struct {
	root       string
	operator   string
	deployment string
	file       string
	depth      int
}

// locate splits path relative to the root that contains it.
// ok is false for paths outside every root or containing a dot component.
func locate(roots []string, path string) (location, bool) {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}

		parts := strings.Split(rel, string(filepath.Separator))
		for _, p := range parts {
			if strings.HasPrefix(p, ".") {
				return location{}, false
			}
		}

		loc := location{root: root, depth: len(parts)}
		loc.operator = parts[0]
		if len(parts) > 1 {
			loc.deployment = parts[1]
		}
		if len(parts) > 2 {
			loc.file = parts[2]
		}
		return loc, true
	}
	return location{}, false
}

// key identifies a deployment within one root
func (l location) key() string {
	return filepath.Join(l.root, l.operator, l.deployment)
}

// fileKind maps a deployment-level file name to its event kind
func fileKind(name string) (EventKind, bool) {
	switch {
	case name == wmoidFile:
		return EventWMOID, true
	case name == extraAttsFile:
		return EventExtraAttrs, true
	case strings.EqualFold(filepath.Ext(name), ".nc"):
		return EventProfile, true
	default:
		return 0, false
	}
}
