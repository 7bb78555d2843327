package exportstore

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	idA = "0123456789abcdef0123456789abcdef"
	idB = "fedcba9876543210fedcba9876543210"
)

// fakeS3 is a path-style, single-bucket S3 endpoint holding objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/"+f.bucket)
	key := strings.TrimPrefix(path, "/")

	switch {
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		f.list(w, r.URL.Query().Get("prefix"))
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		w.Header().Set("ETag", `"etag"`)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		_, _ = w.Write(data)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	type content struct {
		Key          string `xml:"Key"`
		Size         int    `xml:"Size"`
		LastModified string `xml:"LastModified"`
	}
	type result struct {
		XMLName     xml.Name  `xml:"ListBucketResult"`
		Xmlns       string    `xml:"xmlns,attr"`
		Name        string    `xml:"Name"`
		Prefix      string    `xml:"Prefix"`
		KeyCount    int       `xml:"KeyCount"`
		MaxKeys     int       `xml:"MaxKeys"`
		IsTruncated bool      `xml:"IsTruncated"`
		Contents    []content `xml:"Contents"`
	}
	res := result{Xmlns: "http://s3.amazonaws.com/doc/2006-03-01/", Name: f.bucket, Prefix: prefix, MaxKeys: 1000}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		res.Contents = append(res.Contents, content{Key: k, Size: len(f.objects[k]), LastModified: time.Now().UTC().Format(time.RFC3339)})
	}
	res.KeyCount = len(res.Contents)
	w.Header().Set("Content-Type", "application/xml")
	_ = xml.NewEncoder(w).Encode(res)
}

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	fake := &fakeS3{bucket: "packs", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s3Store, err := NewS3Store(S3Config{Bucket: "packs", Endpoint: srv.URL, AccessKeyID: "test", SecretAccessKey: "test"})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	return map[string]Store{
		"file": NewFileStore(t.TempDir()),
		"s3":   s3Store,
	}
}

func TestStore_PutGetListDelete(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.Get(ctx, "acct-1", idA); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := store.Put(ctx, "acct-1", idA, []byte("pack-a")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := store.Put(ctx, "acct-1", idB, []byte("pack-bb")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := store.Put(ctx, "acct-2", idA, []byte("other")); err != nil {
				t.Fatalf("Put: %v", err)
			}

			got, err := store.Get(ctx, "acct-1", idA)
			if err != nil || string(got) != "pack-a" {
				t.Fatalf("Get = %q, %v", got, err)
			}

			objs, err := store.List(ctx, "acct-1")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(objs) != 2 {
				t.Fatalf("expected 2 objects, got %+v", objs)
			}

			if err := store.DeleteAccount(ctx, "acct-1"); err != nil {
				t.Fatalf("DeleteAccount: %v", err)
			}
			if _, err := store.Get(ctx, "acct-1", idA); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
			if objs, _ := store.List(ctx, "acct-1"); len(objs) != 0 {
				t.Errorf("expected empty list, got %+v", objs)
			}
			if got, err := store.Get(ctx, "acct-2", idA); err != nil || string(got) != "other" {
				t.Errorf("other account affected: %q, %v", got, err)
			}
			if err := store.DeleteAccount(ctx, "never-used"); err != nil {
				t.Errorf("DeleteAccount of empty account: %v", err)
			}
		})
	}
}

func TestStore_RejectsInvalidIDs(t *testing.T) {
	tests := []struct {
		name    string
		account string
		id      string
	}{
		{"traversal account", "../etc", idA},
		{"slash account", "a/b", idA},
		{"empty account", "", idA},
		{"uppercase id", "acct", strings.ToUpper(idA)},
		{"short id", "acct", "abc"},
		{"traversal id", "acct", "../../../../../../etc/passwd"},
	}
	for name, store := range newStores(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				ctx := context.Background()
				if err := store.Put(ctx, tt.account, tt.id, []byte("x")); !errors.Is(err, ErrInvalidID) {
					t.Errorf("Put: expected ErrInvalidID, got %v", err)
				}
				if _, err := store.Get(ctx, tt.account, tt.id); !errors.Is(err, ErrInvalidID) {
					t.Errorf("Get: expected ErrInvalidID, got %v", err)
				}
			})
		}
	}
}
