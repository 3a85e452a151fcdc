package network

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the YAML representation of a network.
type File struct {
	Directed bool        `yaml:"directed"`
	Users    []UserFile  `yaml:"users"`
	Edges    []EdgeFile  `yaml:"edges"`
	Pieces   []PieceFile `yaml:"pieces"`
}

// UserFile describes one user.
type UserFile struct {
	ID       string             `yaml:"id"`
	Features map[string]float64 `yaml:"features,omitempty"`
}

// EdgeFile describes one edge.
type EdgeFile struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// PieceFile describes one information piece.
type PieceFile struct {
	ID       string             `yaml:"id"`
	Creator  string             `yaml:"creator"`
	Created  int32              `yaml:"created"`
	Lifespan int32              `yaml:"lifespan,omitempty"`
	Features map[string]float64 `yaml:"features,omitempty"`
}

// Load reads and builds a network from a YAML file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network file %s: %w", path, err)
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse network file %s: %w", path, err)
	}
	return snap, nil
}

// Parse builds a network from YAML bytes.
func Parse(data []byte) (*Snapshot, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse network yaml: %w", err)
	}
	return f.Build()
}

// Build converts the file representation into a Snapshot.
func (f *File) Build() (*Snapshot, error) {
	b := NewBuilder(f.Directed)
	for _, u := range f.Users {
		b.AddUser(u.ID, u.Features)
	}
	for _, e := range f.Edges {
		b.AddEdge(e.From, e.To)
	}
	for _, p := range f.Pieces {
		b.AddPiece(p.ID, p.Creator, p.Created, p.Lifespan, p.Features)
	}
	return b.Build()
}
