package fsutil

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureWritable(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := mfs.WriteFile("/out/result.oifits", []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	tests := []struct {
		name      string
		path      string
		overwrite bool
		conflict  bool
	}{
		{"new destination", "/out/fresh.oifits", false, false},
		{"existing without overwrite", "/out/result.oifits", false, true},
		{"existing with overwrite", "/out/result.oifits", true, false},
		{"new destination with overwrite", "/out/fresh.oifits", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EnsureWritable(mfs, tt.path, tt.overwrite)
			if !tt.conflict {
				if err != nil {
					t.Fatalf("EnsureWritable = %v, want nil", err)
				}
				return
			}

			var conflict *ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("EnsureWritable = %v, want *ConflictError", err)
			}
			if conflict.Path != tt.path {
				t.Errorf("conflict path = %q, want %q", conflict.Path, tt.path)
			}
			if !strings.Contains(conflict.Error(), tt.path) {
				t.Errorf("error message %q does not name the path", conflict.Error())
			}
		})
	}
}

func TestEnsureWritableLeavesDestinationIntact(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := mfs.WriteFile("/keep.txt", []byte("precious"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := EnsureWritable(mfs, "/keep.txt", false); err == nil {
		t.Fatal("expected conflict")
	}

	data, err := mfs.ReadFile("/keep.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "precious" {
		t.Errorf("content = %q, want %q", data, "precious")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	mfs := NewMemoryFileSystem()

	if err := WriteFileAtomic(mfs, "/run/out/vis2_00.txt", []byte("0.98\n"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	data, err := mfs.ReadFile("/run/out/vis2_00.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "0.98\n" {
		t.Errorf("content = %q, want %q", data, "0.98\n")
	}
	if mfs.Exists("/run/out/vis2_00.txt.tmp") {
		t.Error("temporary file left behind")
	}
}

func TestWriteFileAtomicReplacesExisting(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := mfs.WriteFile("/out.txt", []byte("stale"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := WriteFileAtomic(mfs, "/out.txt", []byte("fresh"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	data, err := mfs.ReadFile("/out.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "fresh" {
		t.Errorf("content = %q, want %q", data, "fresh")
	}
}

func TestWriteFileAtomicOSFileSystem(t *testing.T) {
	osfs := OSFileSystem{}
	path := filepath.Join(t.TempDir(), "nested", "out.bin")

	if err := WriteFileAtomic(osfs, path, []byte{0x01, 0x02, 0x03}, 0o644); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	data, err := osfs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) != 3 || data[0] != 0x01 || data[2] != 0x03 {
		t.Errorf("content = %v, want [1 2 3]", data)
	}
	if osfs.Exists(path + ".tmp") {
		t.Error("temporary file left behind")
	}
}
