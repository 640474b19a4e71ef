package httpmiddleware

import "testing"

func TestTokenBucketExhausts(t *testing.T) {
	l := NewSimpleTokenBucket(3, 3)
	for i := 0; i < 3; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.allow("10.0.0.1") {
		t.Fatal("expected the bucket to be empty")
	}
	// A different client has its own bucket.
	if !l.allow("10.0.0.2") {
		t.Fatal("other clients must not be affected")
	}
}
