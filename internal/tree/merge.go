package tree

import "strings"

// MergeOptions controls how child subtrees are folded in.
type MergeOptions struct {
	// TypeFilter lists media type prefixes ("video/", "audio/mpeg")
	// admitted into the merged tree. Empty admits everything.
	TypeFilter []string
	// PreserveEmpty keeps mount points whose snapshot filtered down to
	// an empty directory instead of removing them.
	PreserveEmpty bool
}

// Merge produces a new merged tree from the local subtree and the most
// recently announced snapshot of each child, keyed by child node name.
// The local tree is deep-copied; inputs are never mutated. Each child
// snapshot is mounted as a directory entry named after the child,
// replacing any existing entry of that name. The returned collision
// list names local entries that were overwritten by a child mount.
func Merge(local *Node, children map[string]*Node, opts MergeOptions) (*Node, []string) {
	var merged *Node
	if local != nil {
		merged = filterCopy(local, opts.TypeFilter)
	}
	if merged == nil {
		merged = NewDir("")
	}

	var collisions []string
	for name, snapshot := range children {
		mount := filterCopy(snapshot, opts.TypeFilter)
		if mount == nil || (mount.IsEmpty() && !opts.PreserveEmpty) {
			// An empty announcement mounts nothing. The merged tree
			// starts from a fresh copy of the local subtree, so a
			// local entry sharing the child's name stays visible.
			continue
		}
		mount.Name = name
		rewriteOrigin(mount, name)
		if _, exists := merged.Children[name]; exists {
			collisions = append(collisions, name)
		}
		merged.Add(mount)
	}
	return merged, collisions
}

// filterCopy deep-copies the subtree, dropping files whose media type
// is excluded by the filter. Returns nil for a filtered-out file.
func filterCopy(n *Node, filter []string) *Node {
	if n == nil {
		return nil
	}
	if !n.Dir {
		if !typeAllowed(n.MediaType, filter) {
			return nil
		}
		out := *n
		return &out
	}
	out := *n
	out.Children = make(map[string]*Node, len(n.Children))
	for name, child := range n.Children {
		if kept := filterCopy(child, filter); kept != nil {
			out.Children[name] = kept
		}
	}
	return &out
}

// rewriteOrigin stamps the mounting child's name onto entries the child
// announced as its own. Entries already attributed to a deeper node
// keep their origin, so the physical owner stays visible up the chain.
func rewriteOrigin(n *Node, childName string) {
	if !n.Dir {
		if n.Origin == "" {
			n.Origin = childName
		}
		n.LocalPath = ""
		return
	}
	for _, child := range n.Children {
		rewriteOrigin(child, childName)
	}
}

func typeAllowed(mediaType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, prefix := range filter {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return false
}
