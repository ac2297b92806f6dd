// Package id provides centralized ID generation for the engine.
//
// Engine-assigned identifiers are prefixed ULIDs: lexicographically sortable,
// unique across the process, and readable in logs. Host-assigned tab and
// window identifiers are plain integers owned by the host and are never
// generated here; they are not stable across host restarts, which is exactly
// why the engine keys everything by its own IDs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NodeID identifies a tree node (real tab or group placeholder).
type NodeID string

// ViewID identifies a named view within a window.
type ViewID string

// GroupID identifies a group aggregate. Stable across restarts; group
// placeholders rebind by this ID during recovery.
type GroupID string

// Prefixes for type identification in logs and snapshots.
const (
	NodePrefix  = "node"
	ViewPrefix  = "view"
	GroupPrefix = "grp"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator with secure entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewNodeID generates a new node ID.
func NewNodeID() NodeID {
	return NodeID(Default().GenerateWithPrefix(NodePrefix))
}

// NewViewID generates a new view ID.
func NewViewID() ViewID {
	return ViewID(Default().GenerateWithPrefix(ViewPrefix))
}

// NewGroupID generates a new group ID.
func NewGroupID() GroupID {
	return GroupID(Default().GenerateWithPrefix(GroupPrefix))
}

func (id NodeID) String() string  { return string(id) }
func (id ViewID) String() string  { return string(id) }
func (id GroupID) String() string { return string(id) }

// IsValid checks that an ID string carries the given prefix and a parseable
// ULID payload.
func IsValid(s, prefix string) bool {
	rest, ok := strings.CutPrefix(s, prefix+"_")
	if !ok {
		return false
	}
	_, err := ulid.Parse(rest)
	return err == nil
}

// Timestamp extracts the creation time from a prefixed ID.
func Timestamp(s string) (time.Time, error) {
	i := strings.IndexByte(s, '_')
	if i < 0 {
		return time.Time{}, fmt.Errorf("id %q has no prefix", s)
	}
	parsed, err := ulid.Parse(s[i+1:])
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
