package store

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestSetFile_Replace(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SetFile(ctx, "rec1", "photo.png", []byte("v1"), nil); err != nil {
		t.Fatalf("SetFile() failed: %v", err)
	}
	if err := s.SetFile(ctx, "rec1", "photo.png", []byte("v2"), nil); err != nil {
		t.Fatalf("SetFile() replace failed: %v", err)
	}

	blob, err := s.GetFile(ctx, "rec1", "photo.png")
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if blob == nil {
		t.Fatal("blob missing after replace")
	}
	if !bytes.Equal(blob.Data, []byte("v2")) {
		t.Errorf("data = %q, want v2", blob.Data)
	}

	var count int
	if err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM blob_files WHERE record_id = 'rec1' AND filename = 'photo.png'").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("replace left %d rows, want 1", count)
	}
}

func TestGetFile_Missing(t *testing.T) {
	s := testStore(t)
	blob, err := s.GetFile(context.Background(), "rec1", "nope.png")
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if blob != nil {
		t.Errorf("GetFile(missing) = %v, want nil", blob)
	}
}

func TestDeleteFilesFor(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, name := range []string{"a.png", "b.png"} {
		if err := s.SetFile(ctx, "rec1", name, []byte("x"), nil); err != nil {
			t.Fatalf("SetFile() failed: %v", err)
		}
	}
	if err := s.SetFile(ctx, "rec2", "c.png", []byte("x"), nil); err != nil {
		t.Fatalf("SetFile() failed: %v", err)
	}

	if err := s.DeleteFilesFor(ctx, "rec1"); err != nil {
		t.Fatalf("DeleteFilesFor() failed: %v", err)
	}

	count, err := s.CountFiles(ctx)
	if err != nil {
		t.Fatalf("CountFiles() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("CountFiles() = %d, want 1", count)
	}
}

func TestBlobExpiration_Scan(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	exp := time.Now().UTC().Add(time.Hour)
	if err := s.SetFile(ctx, "rec1", "temp.bin", []byte("x"), &exp); err != nil {
		t.Fatalf("SetFile() failed: %v", err)
	}

	blob, err := s.GetFile(ctx, "rec1", "temp.bin")
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if blob.Expiration == nil {
		t.Fatal("expiration not round-tripped")
	}
	if blob.Expiration.Sub(exp).Abs() > time.Second {
		t.Errorf("expiration = %v, want ~%v", blob.Expiration, exp)
	}
}
