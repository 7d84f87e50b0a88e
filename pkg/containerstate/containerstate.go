// Package containerstate is a minimal stand-in for the external
// container-record layer this core reads but never owns. The Lifecycle
// Coordinator, Log Collector, and Telemetry Collector all depend only on a
// narrow ContainerLister-shaped interface; this package gives the
// orchestratord binary something real to hand them without pulling in a
// fleet-management system.
//
// A production deployment replaces this with a client against whatever
// system of record tracks container lifecycle; this file exists so
// `orchestratord run` has a ContainerLister to construct without inventing
// one inline in main.go.
package containerstate

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/cuemby/sandboxd/pkg/types"
)

// FileLister reads its container list from a JSON file on disk, reloading
// on every call so an operator can edit the file without restarting the
// daemon. The zero value with an empty path always reports no containers.
type FileLister struct {
	path string

	mu       sync.Mutex
	lastGood []types.Container
}

// NewFileLister constructs a lister backed by path. An empty path is valid
// and always yields an empty fleet.
func NewFileLister(path string) *FileLister {
	return &FileLister{path: path}
}

// ListRunning returns every container in the backing file whose status is
// running. A missing file is not an error: the lister returns the last
// snapshot it successfully parsed (nil before the first). An unreadable or
// malformed file returns that same snapshot together with the error.
func (f *FileLister) ListRunning(ctx context.Context) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f.lastGood, nil
		}
		return f.lastGood, err
	}

	var all []types.Container
	if err := json.Unmarshal(data, &all); err != nil {
		return f.lastGood, err
	}

	running := make([]types.Container, 0, len(all))
	for _, c := range all {
		if c.Status == types.ContainerStatusRunning {
			running = append(running, c)
		}
	}
	f.lastGood = running
	return running, nil
}
