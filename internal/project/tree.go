// Package project models an uploaded user project as an in-memory file tree
// and handles turning an uploaded archive into one.
package project

import (
	"path"
	"sort"
	"strings"
)

// NodeKind distinguishes files from directories.
type NodeKind string

const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "directory"
)

// Node is one entry in the project tree. Directories carry Children,
// files carry Content.
type Node struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"` // Slash-separated, relative to the project root.
	Kind     NodeKind `json:"kind"`
	Content  string   `json:"content,omitempty"`
	Children []*Node  `json:"children,omitempty"`
}

// Tree is a project file tree rooted at an unnamed directory.
type Tree struct {
	Root *Node
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{Root: &Node{Name: "", Path: "", Kind: KindDirectory}}
}

// Put inserts or replaces a file at the given slash-separated path,
// creating intermediate directories as needed.
func (t *Tree) Put(filePath, content string) *Node {
	filePath = path.Clean(strings.TrimPrefix(filePath, "/"))
	parts := strings.Split(filePath, "/")
	dir := t.Root
	for i, part := range parts {
		full := strings.Join(parts[:i+1], "/")
		if i == len(parts)-1 {
			if existing := dir.child(part); existing != nil && existing.Kind == KindFile {
				existing.Content = content
				return existing
			}
			node := &Node{Name: part, Path: full, Kind: KindFile, Content: content}
			dir.Children = append(dir.Children, node)
			dir.sortChildren()
			return node
		}
		next := dir.child(part)
		if next == nil {
			next = &Node{Name: part, Path: full, Kind: KindDirectory}
			dir.Children = append(dir.Children, next)
			dir.sortChildren()
		}
		dir = next
	}
	return nil
}

// Find returns the file node at the exact path, or nil.
func (t *Tree) Find(filePath string) *Node {
	var found *Node
	t.Walk(func(n *Node) bool {
		if n.Kind == KindFile && n.Path == filePath {
			found = n
			return false
		}
		return true
	})
	return found
}

// rootPrefixes are project-root directory names stripped during fuzzy
// resolution. Error messages often report paths rooted differently from
// the mounted tree.
var rootPrefixes = []string{"project/", "app/", "./"}

// Resolve locates the file node best matching a path reported in an error
// message. Matching strategies are tried in order: exact path, path suffix,
// root-prefix-stripped containment, and finally bare file name. Returns nil
// when nothing with content matches.
func (t *Tree) Resolve(candidate string) *Node {
	candidate = strings.TrimPrefix(path.Clean(candidate), "/")
	if candidate == "" || candidate == "." {
		return nil
	}

	if n := t.Find(candidate); n != nil && n.Content != "" {
		return n
	}

	var bySuffix, byContained, byName *Node
	base := path.Base(candidate)
	t.Walk(func(n *Node) bool {
		if n.Kind != KindFile || n.Content == "" {
			return true
		}
		if bySuffix == nil && strings.HasSuffix(n.Path, candidate) {
			bySuffix = n
		}
		if byContained == nil && strings.Contains(candidate, stripRootPrefix(n.Path)) {
			byContained = n
		}
		if byName == nil && n.Name == base {
			byName = n
		}
		return true
	})

	switch {
	case bySuffix != nil:
		return bySuffix
	case byContained != nil:
		return byContained
	default:
		return byName
	}
}

// Walk visits every node depth-first. The visitor returns false to stop.
func (t *Tree) Walk(fn func(*Node) bool) {
	walk(t.Root, fn)
}

func walk(n *Node, fn func(*Node) bool) bool {
	for _, c := range n.Children {
		if !fn(c) {
			return false
		}
		if c.Kind == KindDirectory && !walk(c, fn) {
			return false
		}
	}
	return true
}

// Files returns the paths of all file nodes in sorted order.
func (t *Tree) Files() []string {
	var paths []string
	t.Walk(func(n *Node) bool {
		if n.Kind == KindFile {
			paths = append(paths, n.Path)
		}
		return true
	})
	sort.Strings(paths)
	return paths
}

// FileCount returns the number of file nodes.
func (t *Tree) FileCount() int {
	count := 0
	t.Walk(func(n *Node) bool {
		if n.Kind == KindFile {
			count++
		}
		return true
	})
	return count
}

func (n *Node) child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (n *Node) sortChildren() {
	sort.Slice(n.Children, func(i, j int) bool {
		return n.Children[i].Name < n.Children[j].Name
	})
}

func stripRootPrefix(p string) string {
	for _, prefix := range rootPrefixes {
		if strings.HasPrefix(p, prefix) {
			return strings.TrimPrefix(p, prefix)
		}
	}
	return p
}
