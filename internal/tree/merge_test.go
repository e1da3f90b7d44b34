package tree

import (
	"testing"
)

func localFixture() *Node {
	root := NewDir("")
	root.Add(NewFile("a.txt", "text/plain", 11, "/media/a.txt"))
	movies := NewDir("movies")
	movies.Add(NewFile("film.mkv", "video/x-matroska", 5000, "/media/movies/film.mkv"))
	root.Add(movies)
	return root
}

func childFixture() *Node {
	snap := NewDir("")
	snap.Add(&Node{Name: "video.mp4", MediaType: "video/mp4", Size: 1000})
	return snap
}

func TestMergeMountsChildUnderItsName(t *testing.T) {
	merged, collisions := Merge(localFixture(), map[string]*Node{"C": childFixture()}, MergeOptions{})
	if len(collisions) != 0 {
		t.Fatalf("unexpected collisions: %v", collisions)
	}

	if merged.FindPath([]string{"a.txt"}, false) == nil {
		t.Error("local a.txt missing after merge")
	}
	got := merged.FindPath([]string{"C", "video.mp4"}, false)
	if got == nil {
		t.Fatal("C/video.mp4 missing after merge")
	}
	if got.Origin != "C" {
		t.Errorf("expected origin C, got %q", got.Origin)
	}
	if got.Size != 1000 {
		t.Errorf("expected size 1000, got %d", got.Size)
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	local := localFixture()
	child := childFixture()
	merged, _ := Merge(local, map[string]*Node{"C": child}, MergeOptions{})

	merged.FindPath([]string{"movies", "film.mkv"}, false).Size = 1
	if local.FindPath([]string{"movies", "film.mkv"}, false).Size != 5000 {
		t.Error("merge shares nodes with the local tree")
	}
	if child.Children["video.mp4"].Origin != "" {
		t.Error("merge rewrote origin on the announced snapshot")
	}
}

func TestMergeChildWinsOnCollision(t *testing.T) {
	local := localFixture()
	local.Add(NewFile("C", "text/plain", 3, "/media/C"))

	merged, collisions := Merge(local, map[string]*Node{"C": childFixture()}, MergeOptions{})
	if len(collisions) != 1 || collisions[0] != "C" {
		t.Fatalf("expected collision on C, got %v", collisions)
	}
	mount := merged.FindPath([]string{"C"}, false)
	if mount == nil || !mount.Dir {
		t.Fatal("child mount did not replace the local file")
	}
}

func TestMergeEmptyChildRemovesMount(t *testing.T) {
	children := map[string]*Node{"C": childFixture()}
	merged, _ := Merge(localFixture(), children, MergeOptions{})
	if merged.FindPath([]string{"C"}, false) == nil {
		t.Fatal("mount missing")
	}

	children["C"] = NewDir("")
	merged, _ = Merge(localFixture(), children, MergeOptions{})
	if merged.FindPath([]string{"C"}, false) != nil {
		t.Error("empty announcement should remove the mount point")
	}

	merged, _ = Merge(localFixture(), children, MergeOptions{PreserveEmpty: true})
	mount := merged.FindPath([]string{"C"}, false)
	if mount == nil || !mount.IsEmpty() {
		t.Error("preserve_empty_dirs should keep an empty mount")
	}
}

func TestMergeEmptyChildKeepsShadowedLocalEntry(t *testing.T) {
	local := localFixture()
	local.Add(NewFile("C", "video/mp4", 77, "/media/C"))

	// While the child announces content, its mount shadows the local
	// file of the same name.
	merged, collisions := Merge(local, map[string]*Node{"C": childFixture()}, MergeOptions{})
	if got := merged.FindPath([]string{"C"}, false); got == nil || !got.Dir {
		t.Fatalf("mount = %+v, want child directory", got)
	}
	if len(collisions) != 1 || collisions[0] != "C" {
		t.Errorf("collisions = %v", collisions)
	}

	// Once the child's snapshot is empty, the local file reappears.
	merged, _ = Merge(local, map[string]*Node{"C": NewDir("")}, MergeOptions{})
	got := merged.FindPath([]string{"C"}, false)
	if got == nil || got.Dir || got.Size != 77 {
		t.Fatalf("local entry after empty announcement = %+v", got)
	}
}

func TestMergeEmptyLocalNoChildren(t *testing.T) {
	merged, _ := Merge(nil, nil, MergeOptions{})
	if merged == nil || !merged.Dir {
		t.Fatal("expected a valid empty tree")
	}
	if merged.Count() != 1 {
		t.Errorf("expected only the root, got %d nodes", merged.Count())
	}
}

func TestMergeTypeFilter(t *testing.T) {
	snap := childFixture()
	snap.Add(&Node{Name: "notes.txt", MediaType: "text/plain", Size: 9})

	merged, _ := Merge(localFixture(), map[string]*Node{"C": snap}, MergeOptions{
		TypeFilter: []string{"video/"},
	})
	if merged.FindPath([]string{"C", "video.mp4"}, false) == nil {
		t.Error("video/mp4 should pass the filter")
	}
	if merged.FindPath([]string{"C", "notes.txt"}, false) != nil {
		t.Error("text/plain should be dropped by the filter")
	}
	if merged.FindPath([]string{"a.txt"}, false) != nil {
		t.Error("filter should apply to local entries too")
	}
}

func TestMergeGrandchildKeepsDeepOrigin(t *testing.T) {
	// C announces a snapshot that already contains D's files with
	// origin D, as produced by C's own merge.
	snap := NewDir("")
	dMount := NewDir("D")
	dMount.Add(&Node{Name: "clip.mp4", MediaType: "video/mp4", Size: 42, Origin: "D"})
	snap.Add(dMount)

	merged, _ := Merge(nil, map[string]*Node{"C": snap}, MergeOptions{})
	got := merged.FindPath([]string{"C", "D", "clip.mp4"}, false)
	if got == nil {
		t.Fatal("C/D/clip.mp4 missing")
	}
	if got.Origin != "D" {
		t.Errorf("deep origin should survive the mount, got %q", got.Origin)
	}
}

func TestLookupCaseSensitivity(t *testing.T) {
	root := localFixture()
	if root.FindPath([]string{"A.TXT"}, false) == nil {
		t.Error("default matching should be case-insensitive")
	}
	if root.FindPath([]string{"A.TXT"}, true) != nil {
		t.Error("case-sensitive matching should miss A.TXT")
	}
}
