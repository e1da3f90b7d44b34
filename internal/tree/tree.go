// Package tree defines the typed media file tree and the merge engine
// that folds child subtrees into a node's local tree.
package tree

import (
	"strings"
)

// Node is a file or directory in the federated tree. Files and
// directories share one struct; Dir discriminates.
type Node struct {
	Name      string `json:"name"`
	Dir       bool   `json:"is_dir,omitempty"`
	Hidden    bool   `json:"hidden,omitempty"`

	// File fields
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	// Origin is the name of the node that physically owns the file.
	// Empty means the file is local to this node.
	Origin string `json:"origin,omitempty"`
	// LocalPath is the physical path on disk. Only meaningful when
	// Origin is empty; never sent over the wire.
	LocalPath string `json:"-"`

	// Directory fields
	// MainFile designates the entry point of composite media, e.g. the
	// playlist of an HLS rendition directory.
	MainFile string           `json:"main_file,omitempty"`
	Children map[string]*Node `json:"children,omitempty"`
}

// NewDir creates an empty directory node.
func NewDir(name string) *Node {
	return &Node{Name: name, Dir: true, Children: make(map[string]*Node)}
}

// NewFile creates a file node local to this node.
func NewFile(name, mediaType string, size int64, localPath string) *Node {
	return &Node{Name: name, MediaType: mediaType, Size: size, LocalPath: localPath}
}

// Add inserts child into directory n, replacing any entry of the same
// name. Entry names are unique within a directory.
func (n *Node) Add(child *Node) {
	if n.Children == nil {
		n.Children = make(map[string]*Node)
	}
	n.Children[child.Name] = child
}

// Clone returns a deep copy of the subtree rooted at n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Children != nil {
		out.Children = make(map[string]*Node, len(n.Children))
		for name, child := range n.Children {
			out.Children[name] = child.Clone()
		}
	}
	return &out
}

// Count returns the number of nodes in the subtree, including n.
func (n *Node) Count() int {
	if n == nil {
		return 0
	}
	count := 1
	for _, child := range n.Children {
		count += child.Count()
	}
	return count
}

// IsEmpty reports whether a directory has no entries. Files are never
// empty.
func (n *Node) IsEmpty() bool {
	return n != nil && n.Dir && len(n.Children) == 0
}

// Lookup finds the child with the given name. Matching is
// case-insensitive unless caseSensitive is set, mirroring how the local
// filesystem scan classifies names.
func (n *Node) Lookup(name string, caseSensitive bool) *Node {
	if n == nil || !n.Dir {
		return nil
	}
	if child, ok := n.Children[name]; ok {
		return child
	}
	if caseSensitive {
		return nil
	}
	for childName, child := range n.Children {
		if strings.EqualFold(childName, name) {
			return child
		}
	}
	return nil
}

// FindPath resolves a slash-split path against the subtree rooted at n.
// Every segment must match exactly one entry; nil means not found.
func (n *Node) FindPath(segments []string, caseSensitive bool) *Node {
	cur := n
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		cur = cur.Lookup(seg, caseSensitive)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// SplitPath splits a slash-separated path into non-empty segments.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
