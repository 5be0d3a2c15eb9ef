package project

import (
	"reflect"
	"testing"
)

func TestTree_PutAndFind(t *testing.T) {
	tree := NewTree()
	tree.Put("src/App.tsx", "export default function App() {}")
	tree.Put("src/main.tsx", "import App from './App'")
	tree.Put("index.html", "<html></html>")

	node := tree.Find("src/App.tsx")
	if node == nil {
		t.Fatal("expected to find src/App.tsx")
	}
	if node.Kind != KindFile {
		t.Fatalf("expected file node, got %s", node.Kind)
	}
	if node.Content != "export default function App() {}" {
		t.Fatalf("unexpected content: %q", node.Content)
	}
	if tree.Find("src/Missing.tsx") != nil {
		t.Fatal("expected nil for missing file")
	}
}

func TestTree_PutReplacesContent(t *testing.T) {
	tree := NewTree()
	tree.Put("src/App.tsx", "v1")
	tree.Put("src/App.tsx", "v2")

	if got := tree.Find("src/App.tsx").Content; got != "v2" {
		t.Fatalf("expected replaced content v2, got %q", got)
	}
	if count := tree.FileCount(); count != 1 {
		t.Fatalf("expected 1 file after replace, got %d", count)
	}
}

func TestTree_PutCreatesIntermediateDirs(t *testing.T) {
	tree := NewTree()
	tree.Put("a/b/c/deep.ts", "x")

	var dirs []string
	tree.Walk(func(n *Node) bool {
		if n.Kind == KindDirectory {
			dirs = append(dirs, n.Path)
		}
		return true
	})
	want := []string{"a", "a/b", "a/b/c"}
	if !reflect.DeepEqual(dirs, want) {
		t.Fatalf("expected dirs %v, got %v", want, dirs)
	}
}

func TestTree_FilesSorted(t *testing.T) {
	tree := NewTree()
	tree.Put("src/z.ts", "")
	tree.Put("src/a.ts", "")
	tree.Put("index.html", "")

	want := []string{"index.html", "src/a.ts", "src/z.ts"}
	if got := tree.Files(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestTree_ResolveExact(t *testing.T) {
	tree := NewTree()
	tree.Put("src/App.tsx", "content")

	n := tree.Resolve("src/App.tsx")
	if n == nil || n.Path != "src/App.tsx" {
		t.Fatalf("expected exact match, got %+v", n)
	}
}

func TestTree_ResolveSuffix(t *testing.T) {
	tree := NewTree()
	tree.Put("frontend/src/App.tsx", "content")

	n := tree.Resolve("src/App.tsx")
	if n == nil || n.Path != "frontend/src/App.tsx" {
		t.Fatalf("expected suffix match, got %+v", n)
	}
}

func TestTree_ResolveRootPrefixStripped(t *testing.T) {
	tree := NewTree()
	tree.Put("src/components/Button.tsx", "content")

	// Error messages often report paths with a root the tree doesn't have.
	n := tree.Resolve("project/src/components/Button.tsx")
	if n == nil || n.Path != "src/components/Button.tsx" {
		t.Fatalf("expected prefix-stripped match, got %+v", n)
	}
}

func TestTree_ResolveByBareName(t *testing.T) {
	tree := NewTree()
	tree.Put("src/deep/nested/Widget.tsx", "content")

	n := tree.Resolve("Widget.tsx")
	if n == nil || n.Path != "src/deep/nested/Widget.tsx" {
		t.Fatalf("expected name match, got %+v", n)
	}
}

func TestTree_ResolveSkipsEmptyFiles(t *testing.T) {
	tree := NewTree()
	tree.Put("src/App.tsx", "")

	if n := tree.Resolve("src/App.tsx"); n != nil {
		t.Fatalf("expected nil for content-less file, got %+v", n)
	}
}

func TestTree_ResolveEmptyCandidate(t *testing.T) {
	tree := NewTree()
	tree.Put("src/App.tsx", "content")

	if n := tree.Resolve(""); n != nil {
		t.Fatalf("expected nil for empty candidate, got %+v", n)
	}
	if n := tree.Resolve("/"); n != nil {
		t.Fatalf("expected nil for bare slash, got %+v", n)
	}
}

func TestTree_ChildrenSortedOnInsert(t *testing.T) {
	tree := NewTree()
	tree.Put("b.ts", "")
	tree.Put("a.ts", "")
	tree.Put("c.ts", "")

	names := make([]string, 0, 3)
	for _, c := range tree.Root.Children {
		names = append(names, c.Name)
	}
	want := []string{"a.ts", "b.ts", "c.ts"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("expected sorted children %v, got %v", want, names)
	}
}
