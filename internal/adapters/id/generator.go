// Package id mints prefixed nanoid identifiers for pipeline entities.
package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Generator struct{}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) generate(prefix string) string {
	id, err := gonanoid.New(21)
	if err != nil {
		return prefix + "_fallback"
	}
	return prefix + "_" + id
}

// GenerateRunID identifies one indexed pipeline execution (run_xxx).
func (g *Generator) GenerateRunID() string {
	return g.generate("run")
}

// GeneratePointID identifies a normalized point lacking an explicit
// id (pt_xxx).
func (g *Generator) GeneratePointID() string {
	return g.generate("pt")
}

// GeneratePathID tags the points of one alternative path (path_xxx).
func (g *Generator) GeneratePathID() string {
	return g.generate("path")
}

// GenerateResponseID identifies one indexed response row (resp_xxx).
func (g *Generator) GenerateResponseID() string {
	return g.generate("resp")
}

// GenerateRequestID tags one inbound API request (req_xxx).
func (g *Generator) GenerateRequestID() string {
	return g.generate("req")
}
