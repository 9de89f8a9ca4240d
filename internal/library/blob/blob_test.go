package blob

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
)

func storeContractTest(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	payload := []byte("micrograph bytes")
	info, err := store.Put(ctx, "images/s1/a.png", bytes.NewReader(payload), PutOptions{
		ContentType: "image/png",
		Metadata:    map[string]string{"sample_id": "s1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) || info.ContentType != "image/png" {
		t.Fatalf("put info %+v", info)
	}

	// Blobs are immutable; a second write to the same key must fail.
	if _, err := store.Put(ctx, "images/s1/a.png", bytes.NewReader(payload), PutOptions{}); err == nil {
		t.Fatalf("duplicate put must fail")
	}

	got, body, err := store.Get(ctx, "images/s1/a.png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload mismatch")
	}
	if got.Metadata["sample_id"] != "s1" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}

	head, err := store.Head(ctx, "images/s1/a.png")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Size != info.Size {
		t.Fatalf("head size %d", head.Size)
	}

	if _, err := store.Put(ctx, "images/s2/b.png", bytes.NewReader([]byte("other")), PutOptions{}); err != nil {
		t.Fatalf("put second: %v", err)
	}
	infos, err := store.List(ctx, "images/s1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].Key != "images/s1/a.png" {
		t.Fatalf("prefix list wrong: %+v", infos)
	}
	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 blobs, got %d", len(all))
	}

	existed, err := store.Delete(ctx, "images/s1/a.png")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	if _, err := store.Head(ctx, "images/s1/a.png"); err == nil {
		t.Fatalf("deleted blob still visible")
	}
	existed, err = store.Delete(ctx, "images/s1/a.png")
	if err != nil || existed {
		t.Fatalf("second delete must be a no-op, existed=%v err=%v", existed, err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	storeContractTest(t, NewMemory())
}

func TestFilesystemStoreContract(t *testing.T) {
	fs, err := NewFilesystem(filepath.Join(t.TempDir(), "blobdata"))
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	storeContractTest(t, fs)
}

func TestFilesystemRejectsTraversalKeys(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	for _, key := range []string{"", "  ", "../escape", "/absolute", "a/../../b"} {
		if _, err := fs.Put(context.Background(), key, bytes.NewReader([]byte("x")), PutOptions{}); err == nil {
			t.Fatalf("key %q must be rejected", key)
		}
	}
}

func TestMemoryPresignUnsupported(t *testing.T) {
	if _, err := NewMemory().PresignURL(context.Background(), "k", SignedURLOptions{}); err != ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestFactorySelectsDriver(t *testing.T) {
	t.Setenv("MEZOCORE_BLOB_DRIVER", "memory")
	store, err := Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Driver() != DriverMemory {
		t.Fatalf("driver %s", store.Driver())
	}

	t.Setenv("MEZOCORE_BLOB_DRIVER", "fs")
	t.Setenv("MEZOCORE_BLOB_FS_ROOT", t.TempDir())
	store, err = Open(context.Background())
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("driver %s", store.Driver())
	}

	t.Setenv("MEZOCORE_BLOB_DRIVER", "s3")
	t.Setenv("MEZOCORE_BLOB_S3_BUCKET", "")
	if _, err := Open(context.Background()); err == nil {
		t.Fatalf("s3 driver without bucket must fail")
	}

	t.Setenv("MEZOCORE_BLOB_DRIVER", "carrier-pigeon")
	if _, err := Open(context.Background()); err == nil {
		t.Fatalf("unknown driver must fail")
	}
}
