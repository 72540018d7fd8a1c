package buffer

import (
	"bytes"
	"io"
	"os"
	"testing"
)

func TestBuffer_InMemory(t *testing.T) {
	b := New(1024)
	defer b.Close()

	if _, err := b.Write([]byte("hello ")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := b.Write([]byte("world")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if b.IsSpilled() {
		t.Fatal("should not have spilled under the limit")
	}
	if got := string(b.Bytes()); got != "hello world" {
		t.Fatalf("Bytes() = %q", got)
	}
	if b.Size() != 11 {
		t.Fatalf("Size() = %d, want 11", b.Size())
	}
}

func TestBuffer_SpillsToDisk(t *testing.T) {
	b := New(4)
	defer b.Close()

	if _, err := b.Write([]byte("this is more than four bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !b.IsSpilled() {
		t.Fatal("expected spill to disk past the limit")
	}
	if b.Path() == "" {
		t.Fatal("expected a non-empty temp file path once spilled")
	}
	if _, err := os.Stat(b.Path()); err != nil {
		t.Fatalf("temp file should exist: %v", err)
	}

	r, err := b.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "this is more than four bytes" {
		t.Fatalf("got %q", data)
	}
}

func TestBuffer_CloseRemovesTempFile(t *testing.T) {
	b := New(1)
	b.Write([]byte("overflow"))
	path := b.Path()
	if path == "" {
		t.Fatal("expected spill")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err = %v", err)
	}
}

func TestBuffer_CloseIsIdempotent(t *testing.T) {
	b := New(1024)
	b.Write([]byte("x"))
	if err := b.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
}

func TestBuffer_WriteAfterCloseFails(t *testing.T) {
	b := New(1024)
	b.Close()
	if _, err := b.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing to a closed buffer")
	}
}

func TestNewWithData(t *testing.T) {
	b := NewWithData([]byte("preloaded"))
	defer b.Close()
	if !bytes.Equal(b.Bytes(), []byte("preloaded")) {
		t.Fatalf("Bytes() = %q", b.Bytes())
	}
	if b.Size() != int64(len("preloaded")) {
		t.Fatalf("Size() = %d", b.Size())
	}
}

func TestBuffer_ReaderInMemory(t *testing.T) {
	b := New(1024)
	defer b.Close()
	b.Write([]byte("memory reader"))

	r, err := b.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "memory reader" {
		t.Fatalf("got %q", data)
	}
}
