package store

import (
	"errors"
	"testing"
)

func TestProperty_NewS3MessageSinkRequiresBucket(t *testing.T) {
	_, err := NewS3MessageSink(nil, nil, S3Config{Endpoint: "localhost:9000"})
	if !errors.Is(err, errNotConfigured) {
		t.Errorf("NewS3MessageSink without a bucket: err = %v, want errNotConfigured", err)
	}
}

func TestProperty_NewS3MessageSinkDefaultsLargeBodyThreshold(t *testing.T) {
	sink, err := NewS3MessageSink(nil, nil, S3Config{Bucket: "messages", Endpoint: "localhost:9000"})
	if err != nil {
		t.Fatalf("NewS3MessageSink error: %v", err)
	}
	if sink.cfg.LargeBodyThreshold != 10*1024*1024 {
		t.Errorf("LargeBodyThreshold = %d, want default 10MiB", sink.cfg.LargeBodyThreshold)
	}
}

func TestProperty_NewS3MessageSinkPreservesExplicitThreshold(t *testing.T) {
	sink, err := NewS3MessageSink(nil, nil, S3Config{Bucket: "messages", Endpoint: "localhost:9000", LargeBodyThreshold: 512})
	if err != nil {
		t.Fatalf("NewS3MessageSink error: %v", err)
	}
	if sink.cfg.LargeBodyThreshold != 512 {
		t.Errorf("LargeBodyThreshold = %d, want 512", sink.cfg.LargeBodyThreshold)
	}
}

func TestProperty_NewS3MessageSinkAcceptsExplicitSchemeEndpoint(t *testing.T) {
	if _, err := NewS3MessageSink(nil, nil, S3Config{Bucket: "b", Endpoint: "https://s3.example.com"}); err != nil {
		t.Errorf("NewS3MessageSink with an explicit scheme endpoint errored: %v", err)
	}
}
