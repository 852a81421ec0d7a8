package vault

import "testing"

type fakeIdentity struct{ id string }

func (f fakeIdentity) ID() (string, error) { return f.id, nil }

func TestSealUnsealRoundTrip(t *testing.T) {
	v := New(fakeIdentity{id: "host-a"})

	sealed, err := v.Seal("super-secret-token", nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	got, err := v.Unseal(sealed, nil)
	if err != nil {
		t.Fatalf("Unseal() error = %v", err)
	}
	if got != "super-secret-token" {
		t.Errorf("Unseal() = %q, want %q", got, "super-secret-token")
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	v := New(fakeIdentity{id: "host-a"})

	a, err := v.Seal("same-plaintext", nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	b, err := v.Seal("same-plaintext", nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if a == b {
		t.Error("Seal() returned identical blobs for two calls; expected fresh salt/nonce each time")
	}
}

func TestUnsealWrongHostFails(t *testing.T) {
	sealed, err := New(fakeIdentity{id: "host-a"}).Seal("secret", nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	_, err = New(fakeIdentity{id: "host-b"}).Unseal(sealed, nil)
	if err == nil {
		t.Fatal("Unseal() on a different host identity succeeded, want error")
	}
}

func TestUnsealWrongEntropyFails(t *testing.T) {
	v := New(fakeIdentity{id: "host-a"})

	sealed, err := v.Seal("secret", []byte("entropy-1"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	_, err = v.Unseal(sealed, []byte("entropy-2"))
	if err == nil {
		t.Fatal("Unseal() with mismatched entropy succeeded, want error")
	}
}

func TestUnsealCorruptBlobFails(t *testing.T) {
	v := New(fakeIdentity{id: "host-a"})

	_, err := v.Unseal(SealedToken("not-valid-base64!!!"), nil)
	if err == nil {
		t.Fatal("Unseal() on corrupt blob succeeded, want error")
	}
}

func TestUnsealTruncatedBlobFails(t *testing.T) {
	v := New(fakeIdentity{id: "host-a"})

	_, err := v.Unseal(SealedToken("c2hvcnQ="), nil) // base64("short")
	if err == nil {
		t.Fatal("Unseal() on truncated blob succeeded, want error")
	}
}
