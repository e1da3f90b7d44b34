package wire

import (
	"fmt"
	"sort"

	"github.com/liplum/Medimesh/internal/tree"
)

const (
	kindFile byte = 0
	kindDir  byte = 1

	// maxTreeDepth bounds recursion when decoding an announced
	// snapshot from a peer.
	maxTreeDepth = 64

	// minChildLen is the smallest possible encoding of one child
	// entry (an empty directory: kind, two string lengths, hidden
	// flag, child count).
	minChildLen = 14
)

// EncodeTree serializes a tree snapshot for an Announce payload.
// Physical paths never leave the node; only name, type, size, hidden
// flag and origin travel.
func EncodeTree(root *tree.Node) []byte {
	return appendNode(nil, root)
}

func appendNode(buf []byte, n *tree.Node) []byte {
	if !n.Dir {
		buf = append(buf, kindFile)
		buf = appendString(buf, n.Name)
		buf = appendString(buf, n.MediaType)
		buf = appendString(buf, n.Origin)
		buf = appendUint64(buf, uint64(n.Size))
		buf = appendBool(buf, n.Hidden)
		return buf
	}
	buf = append(buf, kindDir)
	buf = appendString(buf, n.Name)
	buf = appendString(buf, n.MainFile)
	buf = appendBool(buf, n.Hidden)
	buf = appendUint32(buf, uint32(len(n.Children)))
	// Sorted order keeps the encoding deterministic, so two identical
	// trees always serialize to the same bytes.
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		buf = appendNode(buf, n.Children[name])
	}
	return buf
}

// DecodeTree parses an Announce payload back into a tree snapshot.
func DecodeTree(buf []byte) (*tree.Node, error) {
	d := newDecoder(buf)
	root, err := decodeNode(d, 0)
	if err != nil {
		return nil, err
	}
	if d.off != len(d.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes after tree", ErrProtocol, len(d.buf)-d.off)
	}
	if !root.Dir {
		return nil, fmt.Errorf("%w: tree root is not a directory", ErrProtocol)
	}
	return root, nil
}

func decodeNode(d *decoder, depth int) (*tree.Node, error) {
	if depth > maxTreeDepth {
		return nil, fmt.Errorf("%w: tree deeper than %d levels", ErrProtocol, maxTreeDepth)
	}
	switch kind := d.Byte(); kind {
	case kindFile:
		n := &tree.Node{
			Name:      d.String(),
			MediaType: d.String(),
			Origin:    d.String(),
			Size:      int64(d.Uint64()),
			Hidden:    d.Bool(),
		}
		if err := d.Err(); err != nil {
			return nil, err
		}
		if n.Name == "" {
			return nil, fmt.Errorf("%w: file entry without name", ErrProtocol)
		}
		return n, nil
	case kindDir:
		n := &tree.Node{
			Dir:      true,
			Name:     d.String(),
			MainFile: d.String(),
			Hidden:   d.Bool(),
		}
		count := d.Uint32()
		if err := d.Err(); err != nil {
			return nil, err
		}
		// The count is peer-supplied. Every child occupies at least
		// minChildLen bytes, so a count the remaining frame cannot
		// hold is malformed and must not size any allocation.
		if rest := len(d.buf) - d.off; int64(count)*minChildLen > int64(rest) {
			return nil, fmt.Errorf("%w: child count %d exceeds frame", ErrProtocol, count)
		}
		n.Children = make(map[string]*tree.Node, count)
		for i := uint32(0); i < count; i++ {
			child, err := decodeNode(d, depth+1)
			if err != nil {
				return nil, err
			}
			n.Children[child.Name] = child
		}
		return n, nil
	default:
		if err := d.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: unknown tree entry kind %d", ErrProtocol, kind)
	}
}
