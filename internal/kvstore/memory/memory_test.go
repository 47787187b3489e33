package memory

import (
	"errors"
	"testing"

	"github.com/jwoglom/haprt/pkg/platform"
)

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := New()
	if _, err := s.Get("pairing", "k1"); !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("Get: got %v, want ErrNotFound", err)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := New()
	if err := s.Set("pairing", "k1", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("pairing", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get = %q, want %q", got, "v1")
	}
}

func TestSetCopiesValue(t *testing.T) {
	s := New()
	v := []byte("v1")
	if err := s.Set("pairing", "k1", v); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v[0] = 'X'
	got, _ := s.Get("pairing", "k1")
	if string(got) != "v1" {
		t.Errorf("Get returned a value that aliased the caller's slice: %q", got)
	}
}

func TestRemove(t *testing.T) {
	s := New()
	_ = s.Set("pairing", "k1", []byte("v1"))
	if err := s.Remove("pairing", "k1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get("pairing", "k1"); !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("Get after Remove: got %v, want ErrNotFound", err)
	}
}

func TestEnumerate(t *testing.T) {
	s := New()
	_ = s.Set("pairing", "k1", []byte("v1"))
	_ = s.Set("pairing", "k2", []byte("v2"))
	_ = s.Set("other", "k3", []byte("v3"))

	seen := map[string]string{}
	if err := s.Enumerate("pairing", func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	}); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(seen) != 2 || seen["k1"] != "v1" || seen["k2"] != "v2" {
		t.Errorf("Enumerate saw %v", seen)
	}
}

func TestEnumeratePropagatesCallbackError(t *testing.T) {
	s := New()
	_ = s.Set("pairing", "k1", []byte("v1"))
	wantErr := errors.New("stop")
	if err := s.Enumerate("pairing", func(string, []byte) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("Enumerate = %v, want %v", err, wantErr)
	}
}

func TestPurgeDomain(t *testing.T) {
	s := New()
	_ = s.Set("pairing", "k1", []byte("v1"))
	if err := s.PurgeDomain("pairing"); err != nil {
		t.Fatalf("PurgeDomain: %v", err)
	}
	if _, err := s.Get("pairing", "k1"); !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("Get after PurgeDomain: got %v, want ErrNotFound", err)
	}
}
