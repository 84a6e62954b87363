package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func createDocument(t *testing.T, ts *httptest.Server, token, name string) string {
	t.Helper()
	status, payload := doJSON(t, ts, http.MethodPost, "/api/documents", token, map[string]any{"name": name})
	if status != http.StatusCreated {
		t.Fatalf("create document returned %d: %v", status, payload)
	}
	doc, _ := payload["document"].(map[string]any)
	id, _ := doc["id"].(string)
	if id == "" {
		t.Fatalf("create document response missing id: %v", payload)
	}
	return id
}

func TestDocumentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := signUp(t, env.server, "ada@example.com", "Ada")

	docID := createDocument(t, env.server, token, "Design notes")

	status, payload := doJSON(t, env.server, http.MethodGet, "/api/documents?filter=me", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list returned %d: %v", status, payload)
	}
	docs, _ := payload["documents"].([]any)
	if len(docs) != 1 {
		t.Fatalf("expected one document, got %v", payload)
	}

	status, payload = doJSON(t, env.server, http.MethodPut, "/api/documents/"+docID, token, map[string]any{"name": "Renamed"})
	if status != http.StatusOK {
		t.Fatalf("rename returned %d: %v", status, payload)
	}
	doc, _ := payload["document"].(map[string]any)
	if doc["name"] != "Renamed" {
		t.Fatalf("rename not applied: %v", payload)
	}

	status, payload = doJSON(t, env.server, http.MethodGet, "/api/documents/count", token, nil)
	if status != http.StatusOK || payload["count"] != float64(1) {
		t.Fatalf("count returned %d: %v", status, payload)
	}

	status, _ = doJSON(t, env.server, http.MethodDelete, "/api/documents/"+docID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("delete returned %d", status)
	}
	status, _ = doJSON(t, env.server, http.MethodGet, "/api/documents/"+docID, token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", status)
	}
}

func TestDocumentAccessIsMaskedAsNotFound(t *testing.T) {
	env := newTestEnv(t)
	owner := signUp(t, env.server, "ada@example.com", "Ada")
	stranger := signUp(t, env.server, "mallory@example.com", "Mallory")

	docID := createDocument(t, env.server, owner, "Private")

	// An existing-but-forbidden document and a missing one look identical.
	status, _ := doJSON(t, env.server, http.MethodGet, "/api/documents/"+docID, stranger, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for stranger, got %d", status)
	}
	status, _ = doJSON(t, env.server, http.MethodGet, "/api/documents/doc_missing", stranger, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for missing doc, got %d", status)
	}
}

func TestShareGrantsAndRevokesAccess(t *testing.T) {
	env := newTestEnv(t)
	owner := signUp(t, env.server, "ada@example.com", "Ada")
	guest := signUp(t, env.server, "grace@example.com", "Grace")

	docID := createDocument(t, env.server, owner, "Shared notes")

	status, _ := doJSON(t, env.server, http.MethodGet, "/api/documents/"+docID, guest, nil)
	if status != http.StatusNotFound {
		t.Fatalf("guest saw document before share: %d", status)
	}

	status, payload := doJSON(t, env.server, http.MethodPost, "/api/documents/"+docID+"/share", owner, map[string]any{"email": "grace@example.com"})
	if status != http.StatusOK {
		t.Fatalf("share returned %d: %v", status, payload)
	}

	status, _ = doJSON(t, env.server, http.MethodGet, "/api/documents/"+docID, guest, nil)
	if status != http.StatusOK {
		t.Fatalf("guest cannot see shared document: %d", status)
	}

	// The shared document shows up in the guest's "not-me" listing.
	status, payload = doJSON(t, env.server, http.MethodGet, "/api/documents?filter=not-me", guest, nil)
	if status != http.StatusOK {
		t.Fatalf("list returned %d", status)
	}
	if docs, _ := payload["documents"].([]any); len(docs) != 1 {
		t.Fatalf("expected shared doc in not-me listing: %v", payload)
	}

	status, _ = doJSON(t, env.server, http.MethodPost, "/api/documents/"+docID+"/unshare", owner, map[string]any{"email": "grace@example.com"})
	if status != http.StatusOK {
		t.Fatalf("unshare returned %d", status)
	}
	status, _ = doJSON(t, env.server, http.MethodGet, "/api/documents/"+docID, guest, nil)
	if status != http.StatusNotFound {
		t.Fatalf("guest retained access after unshare: %d", status)
	}
}

func TestShareTwiceKeepsSingleGrant(t *testing.T) {
	env := newTestEnv(t)
	owner := signUp(t, env.server, "ada@example.com", "Ada")
	signUp(t, env.server, "grace@example.com", "Grace")
	docID := createDocument(t, env.server, owner, "Notes")

	for i := 0; i < 2; i++ {
		status, payload := doJSON(t, env.server, http.MethodPost, "/api/documents/"+docID+"/share", owner, map[string]any{"email": "grace@example.com"})
		if status != http.StatusOK {
			t.Fatalf("share attempt %d returned %d: %v", i+1, status, payload)
		}
	}

	status, payload := doJSON(t, env.server, http.MethodGet, "/api/documents/"+docID+"/users", owner, nil)
	if status != http.StatusOK {
		t.Fatalf("users returned %d: %v", status, payload)
	}
	if users, _ := payload["users"].([]any); len(users) != 1 {
		t.Fatalf("expected a single grant, got %v", payload)
	}
}

func TestShareRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	owner := signUp(t, env.server, "ada@example.com", "Ada")
	guest := signUp(t, env.server, "grace@example.com", "Grace")
	signUp(t, env.server, "eve@example.com", "Eve")

	docID := createDocument(t, env.server, owner, "Owner only")
	doJSON(t, env.server, http.MethodPost, "/api/documents/"+docID+"/share", owner, map[string]any{"email": "grace@example.com"})

	// A grantee can read but cannot extend access.
	status, _ := doJSON(t, env.server, http.MethodPost, "/api/documents/"+docID+"/share", guest, map[string]any{"email": "eve@example.com"})
	if status != http.StatusNotFound {
		t.Fatalf("non-owner share returned %d", status)
	}
}

func TestShareUnknownEmail(t *testing.T) {
	env := newTestEnv(t)
	owner := signUp(t, env.server, "ada@example.com", "Ada")
	docID := createDocument(t, env.server, owner, "Notes")

	status, payload := doJSON(t, env.server, http.MethodPost, "/api/documents/"+docID+"/share", owner, map[string]any{"email": "nobody@example.com"})
	if status != http.StatusNotFound || payload["code"] != "USER_NOT_FOUND" {
		t.Fatalf("expected USER_NOT_FOUND, got %d: %v", status, payload)
	}
}

func TestRoomAuthMintsTokenForOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := signUp(t, env.server, "ada@example.com", "Ada")
	stranger := signUp(t, env.server, "mallory@example.com", "Mallory")
	docID := createDocument(t, env.server, owner, "Live doc")

	status, payload := doJSON(t, env.server, http.MethodPost, "/api/rooms/"+docID+"/auth", owner, nil)
	if status != http.StatusOK {
		t.Fatalf("room auth returned %d: %v", status, payload)
	}
	if token, _ := payload["token"].(string); token == "" {
		t.Fatalf("room auth missing token: %v", payload)
	}
	user, _ := payload["user"].(map[string]any)
	if user["name"] != "Ada" || user["color"] == "" {
		t.Fatalf("room auth missing presence identity: %v", payload)
	}

	status, _ = doJSON(t, env.server, http.MethodPost, "/api/rooms/"+docID+"/auth", stranger, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for stranger room auth, got %d", status)
	}
}

func TestSettingsClearDocumentsAndDeleteAccount(t *testing.T) {
	env := newTestEnv(t)
	token := signUp(t, env.server, "ada@example.com", "Ada")
	createDocument(t, env.server, token, "One")
	createDocument(t, env.server, token, "Two")

	status, _ := doJSON(t, env.server, http.MethodDelete, "/api/settings/documents", token, nil)
	if status != http.StatusOK {
		t.Fatalf("clear documents returned %d", status)
	}
	status, payload := doJSON(t, env.server, http.MethodGet, "/api/documents/count", token, nil)
	if status != http.StatusOK || payload["count"] != float64(0) {
		t.Fatalf("expected zero documents, got %v", payload)
	}

	status, _ = doJSON(t, env.server, http.MethodDelete, "/api/settings/account", token, nil)
	if status != http.StatusOK {
		t.Fatalf("delete account returned %d", status)
	}
	status, _ = doJSON(t, env.server, http.MethodGet, "/api/documents", token, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 after account deletion, got %d", status)
	}
}

func TestUpdateUserName(t *testing.T) {
	env := newTestEnv(t)
	token := signUp(t, env.server, "ada@example.com", "Ada")

	status, _ := doJSON(t, env.server, http.MethodPut, "/api/settings/name", token, map[string]any{"name": "Ada L."})
	if status != http.StatusOK {
		t.Fatalf("update name returned %d", status)
	}

	user, err := env.store.GetUserByEmail(context.Background(), "ada@example.com")
	if err != nil || user.Name != "Ada L." {
		t.Fatalf("name not updated: %v %v", user, err)
	}
}
