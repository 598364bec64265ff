package ldb

import (
	"bytes"
	"testing"

	"github.com/embernet/emberd/infrastructure/db/database"
)

func prepareDatabaseForTest(t *testing.T) *LevelDB {
	db, err := NewLevelDB(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("NewLevelDB failed: %v", err)
	}
	t.Cleanup(func() {
		err := db.Close()
		if err != nil {
			t.Errorf("Closing the database failed: %v", err)
		}
	})
	return db
}

func TestPutGetHasDelete(t *testing.T) {
	db := prepareDatabaseForTest(t)
	key := database.MakeBucket([]byte("test")).Key([]byte("key"))
	value := []byte("value")

	has, err := db.Has(key)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if has {
		t.Fatalf("Has reported an unwritten key as present")
	}

	err = db.Put(key, value)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("Get returned %x, want %x", got, value)
	}
	has, err = db.Has(key)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if !has {
		t.Fatalf("Has reported a written key as absent")
	}

	err = db.Delete(key)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	_, err = db.Get(key)
	if !database.IsNotFoundError(err) {
		t.Fatalf("Get of a deleted key returned %v, want ErrNotFound", err)
	}

	// Deleting an absent key is not an error.
	err = db.Delete(key)
	if err != nil {
		t.Fatalf("Delete of an absent key failed: %v", err)
	}
}

func TestGetUnwrittenKey(t *testing.T) {
	db := prepareDatabaseForTest(t)
	key := database.MakeBucket([]byte("test")).Key([]byte("missing"))

	_, err := db.Get(key)
	if !database.IsNotFoundError(err) {
		t.Fatalf("Get of an unwritten key returned %v, want ErrNotFound", err)
	}
}

func TestTransactionCommit(t *testing.T) {
	db := prepareDatabaseForTest(t)
	key := database.MakeBucket([]byte("test")).Key([]byte("key"))
	value := []byte("value")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.RollbackUnlessClosed()

	err = tx.Put(key, value)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The write is not visible outside the transaction before the commit.
	has, err := db.Has(key)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if has {
		t.Fatalf("An uncommitted write is visible outside its transaction")
	}

	err = tx.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("Get after commit failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("Get after commit returned %x, want %x", got, value)
	}
}

func TestTransactionRollback(t *testing.T) {
	db := prepareDatabaseForTest(t)
	key := database.MakeBucket([]byte("test")).Key([]byte("key"))

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	err = tx.Put(key, []byte("value"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	err = tx.Rollback()
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	has, err := db.Has(key)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if has {
		t.Fatalf("A rolled back write reached the database")
	}
}

func TestCursorIteratesBucketInOrder(t *testing.T) {
	db := prepareDatabaseForTest(t)
	bucket := database.MakeBucket([]byte("test"))
	otherBucket := database.MakeBucket([]byte("other"))

	suffixes := [][]byte{{0x01}, {0x02}, {0x03}}
	for _, suffix := range suffixes {
		err := db.Put(bucket.Key(suffix), suffix)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// An entry in another bucket must not show up.
	err := db.Put(otherBucket.Key([]byte{0x01}), []byte{0xff})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	cursor, err := db.Cursor(bucket)
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	defer cursor.Close()

	i := 0
	for cursor.Next() {
		if i >= len(suffixes) {
			t.Fatalf("Cursor returned more than %d pairs", len(suffixes))
		}
		key, err := cursor.Key()
		if err != nil {
			t.Fatalf("Key failed: %v", err)
		}
		if !bytes.Equal(key.Suffix(), suffixes[i]) {
			t.Fatalf("Pair %d has key suffix %x, want %x", i, key.Suffix(), suffixes[i])
		}
		value, err := cursor.Value()
		if err != nil {
			t.Fatalf("Value failed: %v", err)
		}
		if !bytes.Equal(value, suffixes[i]) {
			t.Fatalf("Pair %d has value %x, want %x", i, value, suffixes[i])
		}
		i++
	}
	if i != len(suffixes) {
		t.Fatalf("Cursor returned %d pairs, want %d", i, len(suffixes))
	}
}

func TestCursorSeek(t *testing.T) {
	db := prepareDatabaseForTest(t)
	bucket := database.MakeBucket([]byte("test"))
	for _, suffix := range [][]byte{{0x01}, {0x03}} {
		err := db.Put(bucket.Key(suffix), suffix)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	cursor, err := db.Cursor(bucket)
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	defer cursor.Close()

	// Seeking to a key between the stored ones lands on the next key.
	err = cursor.Seek(bucket.Key([]byte{0x02}))
	if err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	key, err := cursor.Key()
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}
	if !bytes.Equal(key.Suffix(), []byte{0x03}) {
		t.Fatalf("Seek landed on key suffix %x, want 03", key.Suffix())
	}

	// Seeking past every key is ErrNotFound.
	err = cursor.Seek(bucket.Key([]byte{0x04}))
	if !database.IsNotFoundError(err) {
		t.Fatalf("Seek past the last key returned %v, want ErrNotFound", err)
	}
}
