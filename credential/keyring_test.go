package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
)

func TestStoreRoundTrip(t *testing.T) {
	store := New(keyring.NewArrayKeyring(nil))
	key := Key("me", "imap.example.com")
	if key != "me@imap.example.com" {
		t.Fatalf("Key() = %q", key)
	}

	if _, err := store.Get(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty keyring = %v, want ErrNotFound", err)
	}

	if err := store.Set(key, "s3cret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "s3cret" {
		t.Fatalf("Get() = %q, want s3cret", got)
	}

	if err := store.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete = %v, want ErrNotFound", err)
	}
}
