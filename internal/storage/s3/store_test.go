package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sqlagent/sqlagent/internal/storage"
)

func TestPutJoinsPrefixAndKey(t *testing.T) {
	fake := &fakeClient{}
	store, err := newWithClient("archive", "/sqlagent/prod/", fake)
	if err != nil {
		t.Fatalf("newWithClient() error = %v", err)
	}

	_, err = store.Put(context.Background(), "/history/date=2026-03-03/attempts-1-2.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{
		ContentType: storage.ParquetContentType,
		Metadata:    map[string]string{"record-count": "2"},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.putBucket != "archive" {
		t.Fatalf("bucket = %q", fake.putBucket)
	}
	if fake.putKey != "sqlagent/prod/history/date=2026-03-03/attempts-1-2.parquet" {
		t.Fatalf("key = %q", fake.putKey)
	}
	if fake.putOpts.ContentType != storage.ParquetContentType {
		t.Fatalf("content type = %q", fake.putOpts.ContentType)
	}
	if fake.putOpts.Metadata["record-count"] != "2" {
		t.Fatalf("metadata = %#v", fake.putOpts.Metadata)
	}
}

func TestPutRejectsEscapingKeys(t *testing.T) {
	store, err := newWithClient("archive", "", &fakeClient{})
	if err != nil {
		t.Fatalf("newWithClient() error = %v", err)
	}
	for _, key := range []string{"", "../secrets", "history/../../secrets", ".."} {
		if _, err := store.Put(context.Background(), key, bytes.NewBufferString("x"), 1, storage.PutOptions{}); err == nil {
			t.Fatalf("Put(%q) expected validation error", key)
		}
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeClient{}
	store, err := newWithClient("archive", "", fake)
	if err != nil {
		t.Fatalf("newWithClient() error = %v", err)
	}
	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if fake.madeRegion != "us-east-1" {
		t.Fatalf("MakeBucket region = %q", fake.madeRegion)
	}
}

func TestBucketReady(t *testing.T) {
	fake := &fakeClient{}
	store, err := newWithClient("archive", "", fake)
	if err != nil {
		t.Fatalf("newWithClient() error = %v", err)
	}
	if err := store.BucketReady(context.Background()); err == nil {
		t.Fatal("expected missing bucket error")
	}
	fake.bucketExists = true
	if err := store.BucketReady(context.Background()); err != nil {
		t.Fatalf("BucketReady() error = %v", err)
	}
}

func TestDeleteIgnoresMissingObject(t *testing.T) {
	fake := &fakeClient{removeErr: storage.ErrObjectNotFound}
	store, err := newWithClient("archive", "", fake)
	if err != nil {
		t.Fatalf("newWithClient() error = %v", err)
	}
	if err := store.Delete(context.Background(), "history/missing.parquet"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func TestStatMapsNotFound(t *testing.T) {
	fake := &fakeClient{statErr: storage.ErrObjectNotFound}
	store, err := newWithClient("archive", "", fake)
	if err != nil {
		t.Fatalf("newWithClient() error = %v", err)
	}
	if _, err := store.Stat(context.Background(), "history/missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Stat() error = %v, want ErrObjectNotFound", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw      string
		useSSL   bool
		endpoint string
		secure   bool
		wantErr  bool
	}{
		{raw: "localhost:9000", endpoint: "localhost:9000"},
		{raw: "localhost:9000", useSSL: true, endpoint: "localhost:9000", secure: true},
		{raw: "https://minio.example.com", endpoint: "minio.example.com", secure: true},
		{raw: "http://minio:9000", endpoint: "minio:9000"},
		{raw: "ftp://minio", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range tests {
		endpoint, secure, err := parseEndpoint(tc.raw, tc.useSSL)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseEndpoint(%q) expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseEndpoint(%q) error = %v", tc.raw, err)
		}
		if endpoint != tc.endpoint || secure != tc.secure {
			t.Fatalf("parseEndpoint(%q) = %q/%v, want %q/%v", tc.raw, endpoint, secure, tc.endpoint, tc.secure)
		}
	}
}

type fakeClient struct {
	putBucket    string
	putKey       string
	putOpts      storage.PutOptions
	bucketExists bool
	madeRegion   string
	statErr      error
	removeErr    error
}

func (f *fakeClient) PutObject(_ context.Context, bucket, key string, reader io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	f.putBucket = bucket
	f.putKey = key
	f.putOpts = opts
	_, _ = io.Copy(io.Discard, reader)
	return storage.ObjectInfo{Key: key, Size: size, ETag: "etag-1"}, nil
}

func (f *fakeClient) StatObject(_ context.Context, _, key string) (storage.ObjectInfo, error) {
	if f.statErr != nil {
		return storage.ObjectInfo{}, f.statErr
	}
	return storage.ObjectInfo{Key: key, Size: 10}, nil
}

func (f *fakeClient) RemoveObject(_ context.Context, _, _ string) error {
	return f.removeErr
}

func (f *fakeClient) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeClient) MakeBucket(_ context.Context, _, region string) error {
	f.madeRegion = region
	return nil
}
