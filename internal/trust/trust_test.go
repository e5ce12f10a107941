package trust

import (
	"path/filepath"
	"testing"
)

func TestAddContainsRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "trusted-peers.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.Contains("device-a") {
		t.Fatal("expected empty store not to contain device-a")
	}

	if err := s.Add(Peer{DeviceID: "device-a", DisplayName: "Camera A"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.Contains("device-a") {
		t.Fatal("expected store to contain device-a after Add")
	}

	got, ok := s.Get("device-a")
	if !ok {
		t.Fatal("expected Get to find device-a")
	}
	if got.DisplayName != "Camera A" {
		t.Fatalf("DisplayName = %q, want %q", got.DisplayName, "Camera A")
	}
	if got.AddedAtIso == "" {
		t.Fatal("expected AddedAtIso to be stamped")
	}

	if err := s.Remove("device-a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Contains("device-a") {
		t.Fatal("expected store not to contain device-a after Remove")
	}
}

func TestLoadPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trusted-peers.json")

	s1, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s1.Add(Peer{DeviceID: "device-b"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s2, err := Load(path)
	if err != nil {
		t.Fatalf("Load reload: %v", err)
	}
	if !s2.Contains("device-b") {
		t.Fatal("expected reloaded store to contain device-b")
	}
}

func TestListReturnsAllPeers(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "trusted-peers.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, id := range []string{"device-a", "device-b", "device-c"} {
		if err := s.Add(Peer{DeviceID: id}); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
}

func TestRemoveMissingPeerIsNoop(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "trusted-peers.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Remove("does-not-exist"); err != nil {
		t.Fatalf("Remove on missing peer should be a no-op, got: %v", err)
	}
}
