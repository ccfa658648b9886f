package contentcache

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFetchAndLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(dir, srv.Client())

	name, err := c.Fetch(srv.URL + "/file.bin")
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "remote content" {
		t.Fatalf("unexpected content: %q", got)
	}

	lookupName, ok := c.Lookup(srv.URL + "/file.bin")
	if !ok || lookupName != name {
		t.Fatalf("want cached lookup to match fetch result, got %q ok=%v", lookupName, ok)
	}
}

func TestFetchRejectsNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(t.TempDir(), srv.Client())
	if _, err := c.Fetch(srv.URL + "/missing"); err == nil {
		t.Fatal("want error for non-200 response")
	}
}

func TestLookupMissReturnsFalse(t *testing.T) {
	c := New(t.TempDir(), nil)
	if _, ok := c.Lookup("http://example.com/nope"); ok {
		t.Fatal("want lookup miss for unfetched URL")
	}
}
