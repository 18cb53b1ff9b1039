package identitystore

import (
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "identity.db"), 256)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestWriteReadFixedSlotsRoundTrip(t *testing.T) {
	st := openTest(t)

	cases := []struct {
		id   SlotID
		size int
	}{
		{SlotToken, SizeToken},
		{SlotMAC, SizeMAC},
		{SlotSchemaFlag, SizeSchemaFlag},
		{SlotPrivateKey, SizePrivateKey},
		{SlotPublicKey, SizePublicKey},
	}
	for _, c := range cases {
		v := make([]byte, c.size)
		for i := range v {
			v[i] = byte(i + 1)
		}
		n, err := st.WriteSlot(c.id, v)
		if err != nil {
			t.Fatalf("write slot %d: %v", c.id, err)
		}
		if n != c.size {
			t.Fatalf("write slot %d: expected %d bytes written, got %d", c.id, c.size, n)
		}
		got, err := st.ReadSlot(c.id, c.size)
		if err != nil {
			t.Fatalf("read slot %d: %v", c.id, err)
		}
		for i := range v {
			if got[i] != v[i] {
				t.Fatalf("slot %d mismatch at %d: got %d want %d", c.id, i, got[i], v[i])
			}
		}
	}
}

func TestUUIDSeededOnFirstMount(t *testing.T) {
	st := openTest(t)
	uuid, err := st.ReadSlot(SlotUUID, SizeUUID)
	if err != nil {
		t.Fatalf("read uuid: %v", err)
	}
	if len(uuid) != SizeUUID {
		t.Fatalf("expected %d bytes, got %d", SizeUUID, len(uuid))
	}
	allZero := true
	for _, b := range uuid {
		if b != 0 {
			allZero = false
		}
	}
	if allZero {
		t.Fatal("expected a seeded UUID, got all zeroes")
	}
}

func TestRejectsWrongLengthForFixedSlot(t *testing.T) {
	st := openTest(t)
	if _, err := st.WriteSlot(SlotMAC, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for wrong-length MAC slot")
	}
}

func TestRejectsUnknownSlot(t *testing.T) {
	st := openTest(t)
	if _, err := st.WriteSlot(SlotID(99), []byte{1}); err == nil {
		t.Fatal("expected error for unknown slot id")
	}
}

func TestConfigSlotRoundTripAndSize(t *testing.T) {
	st := openTest(t)
	cfg := []byte("hello config")
	n, err := st.WriteSlot(SlotConfig, cfg)
	if err != nil {
		t.Fatalf("write config: %v", err)
	}
	if n != len(cfg) {
		t.Fatalf("expected %d bytes written, got %d", len(cfg), n)
	}
	size, err := st.ConfigSize()
	if err != nil {
		t.Fatalf("config size: %v", err)
	}
	if size != len(cfg) {
		t.Fatalf("expected config size %d, got %d", len(cfg), size)
	}
	got, err := st.ReadSlot(SlotConfig, len(cfg))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(got) != string(cfg) {
		t.Fatalf("expected %q, got %q", cfg, got)
	}
}

func TestRawReadWriteBelowConfigBase(t *testing.T) {
	st := openTest(t)
	if _, err := st.WriteSlot(SlotConfig, []byte("cfg")); err != nil {
		t.Fatalf("write config: %v", err)
	}
	n := st.Write(0, []byte{0xAA, 0xBB})
	if n != 2 {
		t.Fatalf("expected 2 bytes written at address 0, got %d", n)
	}
	got := st.Read(0, 2)
	if len(got) != 2 || got[0] != 0xAA || got[1] != 0xBB {
		t.Fatalf("unexpected raw read: %v", got)
	}
}

func TestRawReadWriteRejectsProtectedTail(t *testing.T) {
	st := openTest(t)
	// With no config, config_base sits 183 bytes (the fixed slots plus
	// CONFIG_SIZE_HDR) before the end of the 256-byte region; addresses at
	// or above it are protected.
	base, err := st.configBase()
	if err != nil {
		t.Fatalf("config base: %v", err)
	}
	n := st.Write(base, []byte{0x01})
	if n != 0 {
		t.Fatalf("expected 0 bytes written into protected tail, got %d", n)
	}
	got := st.Read(base, 1)
	if got != nil {
		t.Fatalf("expected nil read from protected tail, got %v", got)
	}
}

func TestResetZeroesEverything(t *testing.T) {
	st := openTest(t)
	if _, err := st.WriteSlot(SlotMAC, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("write mac: %v", err)
	}
	if _, err := st.WriteSlot(SlotConfig, []byte("cfg")); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := st.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	mac, err := st.ReadSlot(SlotMAC, SizeMAC)
	if err != nil {
		t.Fatalf("read mac: %v", err)
	}
	for _, b := range mac {
		if b != 0 {
			t.Fatalf("expected zeroed MAC after reset, got %v", mac)
		}
	}
	size, err := st.ConfigSize()
	if err != nil {
		t.Fatalf("config size: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected config size 0 after reset, got %d", size)
	}
}

func TestFaultyConfigHeaderTreatedAsNoConfig(t *testing.T) {
	st := openTest(t)
	hdrAddr := st.regionSize - st.configSizeHdrOffset()
	// Corrupt the header directly to a size far larger than the free region.
	st.region[hdrAddr] = 0xFF
	st.region[hdrAddr+1] = 0xFF
	size, err := st.ConfigSize()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if size != 0 {
		t.Fatalf("expected size 0 for corrupt header, got %d", size)
	}
}
