// Package merkle builds a path-sorted Merkle tree over generated output
// descriptors. The root is recorded in the generation receipt so an auditor
// can commit to the whole output set with a single hash.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/ontoforge/ontoforge/pkg/canonicalize"
)

const (
	leafPrefix = "ontoforge:output:leaf:v1"
	nodePrefix = "ontoforge:output:node:v1"
)

type Leaf struct {
	Path      string
	LeafBytes []byte
	LeafHash  string
}

type Tree struct {
	Leaves []Leaf
	Root   string
	Nodes  [][]string // levels of node hashes, leaves first
}

// Build constructs a Merkle tree from a map of output path -> descriptor.
// Paths are sorted before leaf construction so the root is independent of map
// iteration order.
func Build(data map[string]interface{}) (*Tree, error) {
	paths := make([]string, 0, len(data))
	for k := range data {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	leaves := make([]Leaf, len(paths))
	for i, path := range paths {
		canonical, err := canonicalize.JCS(data[path])
		if err != nil {
			return nil, err
		}
		leafBytes := buildLeafBytes(path, canonical)
		leaves[i] = Leaf{
			Path:      path,
			LeafBytes: leafBytes,
			LeafHash:  sha256Hex(leafBytes),
		}
	}

	if len(leaves) == 0 {
		return &Tree{Root: ""}, nil
	}

	tree := &Tree{Leaves: leaves}
	currentLevel := extractHashes(leaves)

	for len(currentLevel) > 1 {
		tree.Nodes = append(tree.Nodes, currentLevel)
		currentLevel = buildNextLevel(currentLevel)
	}

	tree.Root = currentLevel[0]
	tree.Nodes = append(tree.Nodes, currentLevel)

	return tree, nil
}

// Root is a convenience wrapper returning only the root hash.
func Root(data map[string]interface{}) (string, error) {
	t, err := Build(data)
	if err != nil {
		return "", err
	}
	return t.Root, nil
}

func buildLeafBytes(path string, canonical []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(canonical)
	return buf.Bytes()
}

func extractHashes(leaves []Leaf) []string {
	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		hashes[i] = l.LeafHash
	}
	return hashes
}

func buildNextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1]) // duplicate last
		count++
	}

	nextLevel := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		nextLevel[i/2] = buildNodeHash(hashes[i], hashes[i+1])
	}
	return nextLevel
}

func buildNodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
