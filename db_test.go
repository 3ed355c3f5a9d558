package melange_test

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/melangedb/melange"
)

func openTestDB(t *testing.T) *melange.DB {
	t.Helper()

	opts := melange.DefaultOptions(t.TempDir())

	db, err := melange.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func Test_Insert_Then_GetData_Roundtrips(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	if err := db.Insert("docs", []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	value, found, err := db.GetData("docs", []byte("k1"))
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}

	if !found {
		t.Fatalf("expected key to be found")
	}

	if string(value) != "v1" {
		t.Errorf("value = %q, want %q", value, "v1")
	}
}

func Test_GetData_Reports_Not_Found_For_Absent_Key(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	_, found, err := db.GetData("docs", []byte("missing"))
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}

	if found {
		t.Errorf("expected key to be absent")
	}
}

func Test_Remove_Deletes_Key(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	if err := db.Insert("docs", []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := db.Remove("docs", []byte("k1")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	_, found, err := db.GetData("docs", []byte("k1"))
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}

	if found {
		t.Errorf("expected key to be gone after Remove")
	}
}

func Test_Remove_Of_Absent_Key_Is_Not_An_Error(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	if err := db.Remove("docs", []byte("never-inserted")); err != nil {
		t.Fatalf("Remove of absent key returned error: %v", err)
	}
}

func Test_Tree_Auto_Creates_On_First_Operation(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	if err := db.Insert("brand-new", []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	names := db.Trees()

	found := false

	for _, n := range names {
		if n == "brand-new" {
			found = true
		}
	}

	if !found {
		t.Errorf("Trees() = %v, want it to contain %q", names, "brand-new")
	}
}

func Test_CreateTree_Rejects_Duplicate_Name(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	if err := db.CreateTree("orders"); err != nil {
		t.Fatalf("CreateTree: %v", err)
	}

	err := db.CreateTree("orders")
	if !errors.Is(err, melange.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func Test_ScanPrefix_Visits_Matching_Keys_In_Order(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	keys := []string{"a/3", "a/1", "a/2", "b/1"}
	for _, k := range keys {
		if err := db.Insert("docs", []byte(k), []byte("v")); err != nil {
			t.Fatalf("Insert %q: %v", k, err)
		}
	}

	var visited []string

	err := db.ScanPrefix("docs", []byte("a/"), func(key, _ []byte) bool {
		visited = append(visited, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}

	want := []string{"a/1", "a/2", "a/3"}

	if len(visited) != len(want) {
		t.Fatalf("visited = %v, want %v", visited, want)
	}

	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("visited[%d] = %q, want %q", i, visited[i], want[i])
		}
	}
}

func Test_ScanPrefix_Stops_Early_When_Fn_Returns_False(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	for i := range 5 {
		if err := db.Insert("docs", []byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	n := 0

	err := db.ScanPrefix("docs", nil, func(_, _ []byte) bool {
		n++
		return n < 2
	})
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}

	if n != 2 {
		t.Errorf("visited %d entries, want exactly 2", n)
	}
}

func Test_Len_And_IsEmpty_And_Clear(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	empty, err := db.IsEmpty("docs")
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}

	if !empty {
		t.Errorf("freshly created tree should be empty")
	}

	for i := range 3 {
		if err := db.Insert("docs", []byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	n, err := db.Len("docs")
	if err != nil {
		t.Fatalf("Len: %v", err)
	}

	if n != 3 {
		t.Errorf("Len() = %d, want 3", n)
	}

	if err := db.Clear("docs"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	n, err = db.Len("docs")
	if err != nil {
		t.Fatalf("Len: %v", err)
	}

	if n != 0 {
		t.Errorf("Len() after Clear = %d, want 0", n)
	}
}

func Test_First_And_Last(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	for _, k := range []string{"m", "a", "z"} {
		if err := db.Insert("docs", []byte(k), []byte("v")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	firstKey, _, ok, err := db.First("docs")
	if err != nil {
		t.Fatalf("First: %v", err)
	}

	if !ok || string(firstKey) != "a" {
		t.Errorf("First() = %q, ok=%v, want %q, true", firstKey, ok, "a")
	}

	lastKey, _, ok, err := db.Last("docs")
	if err != nil {
		t.Fatalf("Last: %v", err)
	}

	if !ok || string(lastKey) != "z" {
		t.Errorf("Last() = %q, ok=%v, want %q, true", lastKey, ok, "z")
	}
}

func Test_Multiple_Trees_Persist_Independently_Across_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := melange.DefaultOptions(dir)

	db, err := melange.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Creation order intentionally sorts opposite to alphabetical order, so
	// reopening after a catalog-name-sort wouldn't silently collide two
	// trees onto the same subdirectory.
	if err := db.CreateTree("zebra"); err != nil {
		t.Fatalf("CreateTree zebra: %v", err)
	}

	if err := db.CreateTree("apple"); err != nil {
		t.Fatalf("CreateTree apple: %v", err)
	}

	if err := db.Insert("zebra", []byte("k"), []byte("zebra-value")); err != nil {
		t.Fatalf("Insert zebra: %v", err)
	}

	if err := db.Insert("apple", []byte("k"), []byte("apple-value")); err != nil {
		t.Fatalf("Insert apple: %v", err)
	}

	if err := db.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := melange.Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	defer db2.Close()

	zebraValue, found, err := db2.GetData("zebra", []byte("k"))
	if err != nil {
		t.Fatalf("GetData zebra: %v", err)
	}

	if !found || string(zebraValue) != "zebra-value" {
		t.Errorf("zebra value = %q, found=%v, want %q, true", zebraValue, found, "zebra-value")
	}

	appleValue, found, err := db2.GetData("apple", []byte("k"))
	if err != nil {
		t.Fatalf("GetData apple: %v", err)
	}

	if !found || string(appleValue) != "apple-value" {
		t.Errorf("apple value = %q, found=%v, want %q, true", appleValue, found, "apple-value")
	}

	names := db2.Trees()
	sort.Strings(names)

	want := []string{"apple", "zebra"}
	if len(names) != len(want) {
		t.Fatalf("Trees() = %v, want %v", names, want)
	}

	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Trees()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func Test_Open_Rejects_Invalid_Options(t *testing.T) {
	t.Parallel()

	_, err := melange.Open(melange.DefaultOptions(""))
	if !errors.Is(err, melange.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func Test_Open_Fails_When_Lock_Already_Held(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := melange.DefaultOptions(dir)

	db, err := melange.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	defer db.Close()

	_, err = melange.Open(opts)
	if err == nil {
		t.Fatalf("expected second Open of the same path to fail")
	}
}

func Test_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	if err := db.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func Test_Counters_Increment_And_Get(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	counters := db.Counters()

	v, err := counters.Increment("hits", 3)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}

	if v != 3 {
		t.Errorf("Increment = %d, want 3", v)
	}

	v, err = counters.Increment("hits", 4)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}

	if v != 7 {
		t.Errorf("Increment = %d, want 7", v)
	}

	got, err := counters.Get("hits")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got != 7 {
		t.Errorf("Get = %d, want 7", got)
	}
}

func Test_Counters_CompareAndSwap(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	counters := db.Counters()

	if _, err := counters.Reset("seq", 10); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	v, swapped, err := counters.CompareAndSwap("seq", 5, 99)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}

	if swapped {
		t.Errorf("expected swap to fail: expected value doesn't match current value")
	}

	if v != 10 {
		t.Errorf("value after failed CAS = %d, want 10", v)
	}

	v, swapped, err = counters.CompareAndSwap("seq", 10, 99)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}

	if !swapped {
		t.Errorf("expected swap to succeed")
	}

	if v != 99 {
		t.Errorf("value after successful CAS = %d, want 99", v)
	}
}

func Test_Counters_Persist_Across_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := melange.DefaultOptions(dir)

	db, err := melange.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := db.Counters().Increment("views", 42); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := melange.Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	defer db2.Close()

	v, err := db2.Counters().Get("views")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if v != 42 {
		t.Errorf("Get after reopen = %d, want 42", v)
	}
}
