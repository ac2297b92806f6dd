package id

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestTypedIDGeneration(t *testing.T) {
	nodeID := NewNodeID()
	viewID := NewViewID()
	groupID := NewGroupID()

	if !strings.HasPrefix(string(nodeID), "node_") {
		t.Errorf("NodeID should start with 'node_', got: %s", nodeID)
	}

	if !strings.HasPrefix(string(viewID), "view_") {
		t.Errorf("ViewID should start with 'view_', got: %s", viewID)
	}

	if !strings.HasPrefix(string(groupID), "grp_") {
		t.Errorf("GroupID should start with 'grp_', got: %s", groupID)
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
		valid  bool
	}{
		{string(NewNodeID()), NodePrefix, true},
		{string(NewGroupID()), GroupPrefix, true},
		{string(NewNodeID()), ViewPrefix, false},
		{"node_not-a-ulid", NodePrefix, false},
		{"bare", NodePrefix, false},
	}

	for _, tt := range tests {
		if got := IsValid(tt.id, tt.prefix); got != tt.valid {
			t.Errorf("IsValid(%q, %q) = %v, want %v", tt.id, tt.prefix, got, tt.valid)
		}
	}
}

func TestTimestamp(t *testing.T) {
	nodeID := NewNodeID()

	ts, err := Timestamp(string(nodeID))
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}

	if ts.IsZero() {
		t.Error("Timestamp should not be zero")
	}

	if _, err := Timestamp("noprefix"); err == nil {
		t.Error("Timestamp should fail for unprefixed ID")
	}
}
