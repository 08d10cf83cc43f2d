package translator_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"

	"dynarec/internal/emit"
	"dynarec/internal/guest"
	"dynarec/internal/translator"
)

func TestProfileSaveLoad(t *testing.T) {
	p := translator.NewProfile()
	p.Record(0x2000, guest.Aarch64, emit.Tier1)
	p.Record(0x1000, guest.Aarch32, emit.Tier0)
	p.Record(0x1000, guest.Aarch32, emit.Tier1)
	p.Record(0x3000, guest.Aarch64, emit.Tier1)

	path := filepath.Join(t.TempDir(), "nested", "hot.prof")
	if err := p.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := translator.LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	want := []translator.ProfileEntry{
		{Address: 0x1000, Mode: guest.Aarch32, Tier: emit.Tier1, Hits: 2},
		{Address: 0x2000, Mode: guest.Aarch64, Tier: emit.Tier1, Hits: 1},
		{Address: 0x3000, Mode: guest.Aarch64, Tier: emit.Tier1, Hits: 1},
	}
	if diff := cmp.Diff(want, got.Entries()); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "profile-*"))
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}

func TestProfileMerge(t *testing.T) {
	a := translator.NewProfile()
	a.Record(0x1000, guest.Aarch64, emit.Tier1)
	b := translator.NewProfile()
	b.Record(0x1000, guest.Aarch64, emit.Tier1)
	b.Record(0x2000, guest.Aarch64, emit.Tier0)

	a.Merge(b)
	want := []translator.ProfileEntry{
		{Address: 0x1000, Mode: guest.Aarch64, Tier: emit.Tier1, Hits: 2},
		{Address: 0x2000, Mode: guest.Aarch64, Tier: emit.Tier0, Hits: 1},
	}
	if diff := cmp.Diff(want, a.Entries()); diff != "" {
		t.Errorf("merged entries mismatch (-want +got):\n%s", diff)
	}
}

func TestNilProfile(t *testing.T) {
	var p *translator.Profile
	p.Record(0x1000, guest.Aarch64, emit.Tier1)
	if p.Len() != 0 || p.Entries() != nil {
		t.Error("nil profile recorded an entry")
	}
}

func TestLoadProfileErrors(t *testing.T) {
	dir := t.TempDir()

	future, err := msgpack.Marshal(map[string]any{"Schema": 99})
	if err != nil {
		t.Fatal(err)
	}
	futurePath := filepath.Join(dir, "future.prof")
	if err := os.WriteFile(futurePath, future, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := translator.LoadProfile(futurePath); !errors.Is(err, translator.ErrProfileSchema) {
		t.Errorf("future schema: err = %v, want ErrProfileSchema", err)
	}

	garbagePath := filepath.Join(dir, "garbage.prof")
	if err := os.WriteFile(garbagePath, []byte{0xc1}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := translator.LoadProfile(garbagePath); err == nil {
		t.Error("garbage profile loaded")
	}

	if _, err := translator.LoadProfile(filepath.Join(dir, "missing.prof")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: err = %v, want ErrNotExist", err)
	}
}

func TestTier1BuildsAreProfiled(t *testing.T) {
	p := translator.NewProfile()
	tr, _ := newTranslator(t, callProgram, translator.Options{Profile: p})
	tr.TranslateAhead(base, guest.Aarch64)
	tr.Drain()

	var addrs []uint64
	for _, e := range p.Entries() {
		addrs = append(addrs, e.Address)
		if e.Tier != emit.Tier1 {
			t.Errorf("entry %#x at %v, want tier1", e.Address, e.Tier)
		}
	}
	if diff := cmp.Diff([]uint64{base, base + 20}, addrs); diff != "" {
		t.Errorf("profiled addresses mismatch (-want +got):\n%s", diff)
	}
}
