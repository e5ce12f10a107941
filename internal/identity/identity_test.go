package identity

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesThenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.json")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if first.DeviceID == "" {
		t.Fatal("expected non-empty deviceId")
	}

	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate reload: %v", err)
	}
	if second.DeviceID != first.DeviceID {
		t.Fatalf("deviceId changed across reload: %s != %s", second.DeviceID, first.DeviceID)
	}
	if string(second.PrivateKey) != string(first.PrivateKey) {
		t.Fatal("private key changed across reload")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(filepath.Join(dir, "device.json"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	msg := []byte("mesh.connect|v1|" + id.DeviceID)
	sig := id.Sign(msg)

	if !Verify(id.PublicKey, msg, sig) {
		t.Fatal("expected signature to verify")
	}

	sig[0] ^= 0xFF
	if Verify(id.PublicKey, msg, sig) {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestDeviceIDFromPublicKeyMatchesIdentity(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(filepath.Join(dir, "device.json"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	if got := DeviceIDFromPublicKey(id.PublicKey); got != id.DeviceID {
		t.Fatalf("DeviceIDFromPublicKey() = %s, want %s", got, id.DeviceID)
	}
}

func TestParsePublicKeyHexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(filepath.Join(dir, "device.json"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	pub, err := ParsePublicKeyHex(id.PublicKeyHex())
	if err != nil {
		t.Fatalf("ParsePublicKeyHex: %v", err)
	}
	if string(pub) != string(id.PublicKey) {
		t.Fatal("round-tripped public key mismatch")
	}

	if _, err := ParsePublicKeyHex("not-hex"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}
