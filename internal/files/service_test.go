package files

import (
	"strings"
	"testing"
)

func TestObjectKeyScopesUnderDocument(t *testing.T) {
	key := objectKey("doc_abc", "notes.pdf")
	if !strings.HasPrefix(key, "attachments/doc_abc/") {
		t.Fatalf("key not scoped under document: %s", key)
	}
	if !strings.HasSuffix(key, "/notes.pdf") {
		t.Fatalf("key lost the filename: %s", key)
	}
}

func TestObjectKeyStripsPathComponents(t *testing.T) {
	for _, filename := range []string{"../../etc/passwd", "a/b/c.txt", "..\\..\\boot.ini"} {
		key := objectKey("doc_abc", filename)
		if strings.Contains(key, "..") {
			t.Fatalf("traversal survived for %q: %s", filename, key)
		}
	}
}

func TestObjectKeyHandlesEmptyFilename(t *testing.T) {
	key := objectKey("doc_abc", "")
	if !strings.HasSuffix(key, "/file") {
		t.Fatalf("expected placeholder name, got %s", key)
	}
}
