package melange_test

import (
	"testing"

	"github.com/melangedb/melange"
)

func Test_BatchOp_Empty_Is_A_Noop(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	tr, err := db.Tree("docs")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	if err := tr.Batch(melange.BatchOp{}); err != nil {
		t.Fatalf("Batch: %v", err)
	}

	empty, err := tr.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}

	if !empty {
		t.Errorf("IsEmpty() = false after an empty batch, want true")
	}
}

func Test_BatchOp_Puts_Take_Effect_In_Order(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	tr, err := db.Tree("docs")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	batch := melange.BatchOp{
		Puts: []melange.KV{
			{Key: []byte("k"), Value: []byte("v1")},
			{Key: []byte("k"), Value: []byte("v2")},
		},
	}

	if err := tr.Batch(batch); err != nil {
		t.Fatalf("Batch: %v", err)
	}

	value, ok, err := tr.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !ok || string(value) != "v2" {
		t.Errorf("Get(k) = %q, ok=%v, want the later put %q to win", value, ok, "v2")
	}
}

func Test_BatchOp_Delete_Of_Absent_Key_Is_Not_An_Error(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	tr, err := db.Tree("docs")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	batch := melange.BatchOp{Deletes: [][]byte{[]byte("never-existed")}}

	if err := tr.Batch(batch); err != nil {
		t.Fatalf("Batch: %v", err)
	}
}
