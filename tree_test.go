package melange_test

import (
	"testing"

	"github.com/melangedb/melange"
)

func Test_Tree_Put_Get_Delete(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	tr, err := db.Tree("docs")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	if tr.Name() != "docs" {
		t.Errorf("Name() = %q, want %q", tr.Name(), "docs")
	}

	if err := tr.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	value, ok, err := tr.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !ok || string(value) != "v1" {
		t.Fatalf("Get = %q, ok=%v, want %q, true", value, ok, "v1")
	}

	contains, err := tr.ContainsKey([]byte("k"))
	if err != nil {
		t.Fatalf("ContainsKey: %v", err)
	}

	if !contains {
		t.Errorf("ContainsKey = false, want true")
	}

	if err := tr.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	contains, err = tr.ContainsKey([]byte("k"))
	if err != nil {
		t.Fatalf("ContainsKey: %v", err)
	}

	if contains {
		t.Errorf("ContainsKey after Delete = true, want false")
	}
}

func Test_Tree_PutBatch(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	tr, err := db.Tree("docs")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	puts := map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	}

	if err := tr.PutBatch(puts); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	for k, want := range puts {
		got, ok, err := tr.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get %q: %v", k, err)
		}

		if !ok || string(got) != string(want) {
			t.Errorf("Get(%q) = %q, ok=%v, want %q, true", k, got, ok, want)
		}
	}
}

func Test_Tree_Batch_Applies_Puts_And_Deletes_Atomically(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	tr, err := db.Tree("docs")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	if err := tr.Put([]byte("stale"), []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	batch := melange.BatchOp{
		Puts: []melange.KV{
			{Key: []byte("fresh"), Value: []byte("new")},
		},
		Deletes: [][]byte{[]byte("stale")},
	}

	if err := tr.Batch(batch); err != nil {
		t.Fatalf("Batch: %v", err)
	}

	_, ok, err := tr.Get([]byte("stale"))
	if err != nil {
		t.Fatalf("Get stale: %v", err)
	}

	if ok {
		t.Errorf("expected %q to have been deleted by the batch", "stale")
	}

	value, ok, err := tr.Get([]byte("fresh"))
	if err != nil {
		t.Fatalf("Get fresh: %v", err)
	}

	if !ok || string(value) != "new" {
		t.Errorf("Get(fresh) = %q, ok=%v, want %q, true", value, ok, "new")
	}
}

func Test_Tree_ScanPrefix_Len_First_Last_Clear(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	tr, err := db.Tree("docs")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	for _, k := range []string{"b", "a", "c"} {
		if err := tr.Put([]byte(k), []byte("v")); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}

	n, err := tr.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}

	if n != 3 {
		t.Errorf("Len() = %d, want 3", n)
	}

	empty, err := tr.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}

	if empty {
		t.Errorf("IsEmpty() = true, want false")
	}

	firstKey, _, ok, err := tr.First()
	if err != nil || !ok || string(firstKey) != "a" {
		t.Errorf("First() = %q, ok=%v, err=%v, want %q, true, nil", firstKey, ok, err, "a")
	}

	lastKey, _, ok, err := tr.Last()
	if err != nil || !ok || string(lastKey) != "c" {
		t.Errorf("Last() = %q, ok=%v, err=%v, want %q, true, nil", lastKey, ok, err, "c")
	}

	var visited []string

	err = tr.ScanPrefix(nil, func(key, _ []byte) bool {
		visited = append(visited, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(visited) != len(want) {
		t.Fatalf("visited = %v, want %v", visited, want)
	}

	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("visited[%d] = %q, want %q", i, visited[i], want[i])
		}
	}

	if err := tr.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	empty, err = tr.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}

	if !empty {
		t.Errorf("IsEmpty() after Clear = false, want true")
	}
}

func Test_Tree_Creates_On_First_Use(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	before := db.Trees()
	for _, name := range before {
		if name == "lazy" {
			t.Fatalf("tree %q should not exist yet", "lazy")
		}
	}

	if _, err := db.Tree("lazy"); err != nil {
		t.Fatalf("Tree: %v", err)
	}

	after := db.Trees()

	found := false

	for _, name := range after {
		if name == "lazy" {
			found = true
		}
	}

	if !found {
		t.Errorf("Trees() = %v, want it to contain %q after Tree() call", after, "lazy")
	}
}
