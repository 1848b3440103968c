package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeS3 serves the handful of path-style requests the store issues.
func fakeS3(t *testing.T, objects map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/addins")
		key := strings.TrimPrefix(path, "/")
		switch {
		case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
			prefix := r.URL.Query().Get("prefix")
			var b strings.Builder
			b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>addins</Name><IsTruncated>false</IsTruncated>`)
			for name, body := range objects {
				if strings.HasPrefix(name, prefix) {
					fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", name, len(body))
				}
			}
			b.WriteString("</ListBucketResult>")
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(b.String()))
		case r.Method == http.MethodGet:
			body, ok := objects[key]
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
				return
			}
			_, _ = w.Write([]byte(body))
		case r.Method == http.MethodHead:
			if _, ok := objects[key]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
	}))
}

func newTestS3(t *testing.T, srv *httptest.Server) *S3Store {
	t.Helper()
	store, err := NewS3(context.Background(), S3Options{
		Bucket:          "addins",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
		HTTPClient:      srv.Client(),
	})
	if err != nil {
		t.Fatalf("new s3 store: %v", err)
	}
	return store
}

func TestS3Get(t *testing.T) {
	srv := fakeS3(t, map[string]string{"deployment_1.json": `{"deploy_id":"1"}`})
	defer srv.Close()
	store := newTestS3(t, srv)

	data, err := store.Get(context.Background(), "deployment_1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"deploy_id":"1"}` {
		t.Fatalf("unexpected body %q", data)
	}
	if _, err := store.Get(context.Background(), "deployment_2.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3Exists(t *testing.T) {
	srv := fakeS3(t, map[string]string{"node-env.tar.gz": "archive"})
	defer srv.Close()
	store := newTestS3(t, srv)

	ok, err := store.Exists(context.Background(), "node-env.tar.gz")
	if err != nil || !ok {
		t.Fatalf("expected object to exist, got %v %v", ok, err)
	}
	ok, err = store.Exists(context.Background(), "other.tar.gz")
	if err != nil || ok {
		t.Fatalf("expected object to be missing, got %v %v", ok, err)
	}
}

func TestS3List(t *testing.T) {
	srv := fakeS3(t, map[string]string{
		"deployment_1.json": "{}",
		"node-env.tar.gz":   "archive",
	})
	defer srv.Close()
	store := newTestS3(t, srv)

	objects, err := store.List(context.Background(), "deployment_")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 1 || objects[0].Name != "deployment_1.json" {
		t.Fatalf("unexpected listing %+v", objects)
	}
}
