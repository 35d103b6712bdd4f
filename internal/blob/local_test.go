package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafeName(t *testing.T) {
	cases := []struct {
		input string
		want  string
		ok    bool
	}{
		{input: "doc_v1.docx", want: "doc_v1.docx", ok: true},
		{input: "../../etc/passwd", want: "passwd", ok: true},
		{input: `..\..\secret.docx`, want: "secret.docx", ok: true},
		{input: "/abs/path/file.doc", want: "file.doc", ok: true},
		{input: "..", ok: false},
		{input: "", ok: false},
		{input: "/", ok: false},
	}
	for _, tc := range cases {
		got, err := SafeName(tc.input)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("SafeName(%q) = %q, %v; want %q", tc.input, got, err, tc.want)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidName) {
			t.Fatalf("SafeName(%q) expected ErrInvalidName, got %q, %v", tc.input, got, err)
		}
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	ctx := context.Background()

	obj, err := store.Save(ctx, "nested/../doc_v1.docx", strings.NewReader("payload"), 7, "application/msword")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if obj.Name != "doc_v1.docx" || obj.Size != 7 {
		t.Fatalf("unexpected object %+v", obj)
	}
	if _, err := os.Stat(filepath.Join(dir, "doc_v1.docx")); err != nil {
		t.Fatalf("expected blob on disk: %v", err)
	}

	reader, info, err := store.Open(ctx, "../../doc_v1.docx")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected payload %q", data)
	}
	if info.ContentType != ContentTypeFor("doc_v1.docx") {
		t.Fatalf("unexpected content type %q", info.ContentType)
	}
}

func TestLocalStoreOpenMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	if _, _, err := store.Open(context.Background(), "missing.docx"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
