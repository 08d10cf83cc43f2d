package translator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"dynarec/internal/emit"
	"dynarec/internal/guest"
)

// Current schema version - increment when the profile layout changes
const profileSchemaVersion uint16 = 1

// ErrProfileSchema is returned when a profile file was written by an
// incompatible version.
var ErrProfileSchema = errors.New("translator: unsupported profile schema")

// ProfileEntry is one hot subroutine entry point.
type ProfileEntry struct {
	Address uint64
	Mode    guest.ExecutionMode
	Tier    emit.Tier
	// Hits counts the installs recorded for the entry.
	Hits uint64
}

type profilePayload struct {
	Schema  uint16
	Entries []ProfileEntry
}

// Profile remembers which subroutines reached Tier1, so a later run can
// translate them ahead of time. Only addresses are kept; compiled code is
// never persisted. A nil Profile records nothing.
type Profile struct {
	mu      sync.Mutex
	entries map[cacheKey]*ProfileEntry
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{entries: make(map[cacheKey]*ProfileEntry)}
}

// Record notes that the subroutine at address was compiled at tier.
func (p *Profile) Record(address uint64, mode guest.ExecutionMode, tier emit.Tier) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := cacheKey{address, mode}
	e, ok := p.entries[key]
	if !ok {
		e = &ProfileEntry{Address: address, Mode: mode}
		p.entries[key] = e
	}
	if tier > e.Tier {
		e.Tier = tier
	}
	e.Hits++
}

// Len returns the number of recorded entry points.
func (p *Profile) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Entries returns the recorded entries, hottest first and then by address.
func (p *Profile) Entries() []ProfileEntry {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	out := make([]ProfileEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].Mode < out[j].Mode
	})
	return out
}

// Merge adds the entries of other into p.
func (p *Profile) Merge(other *Profile) {
	for _, e := range other.Entries() {
		p.mu.Lock()
		key := cacheKey{e.Address, e.Mode}
		cur, ok := p.entries[key]
		if !ok {
			cur = &ProfileEntry{Address: e.Address, Mode: e.Mode}
			p.entries[key] = cur
		}
		if e.Tier > cur.Tier {
			cur.Tier = e.Tier
		}
		cur.Hits += e.Hits
		p.mu.Unlock()
	}
}

// Save writes the profile to path, replacing it atomically.
func (p *Profile) Save(path string) error {
	payload := profilePayload{Schema: profileSchemaVersion, Entries: p.Entries()}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "profile-*")
	if err != nil {
		return err
	}
	defer func() {
		// Already renamed on success.
		_ = os.Remove(f.Name())
	}()

	if err := msgpack.NewEncoder(f).Encode(&payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// LoadProfile reads a profile written by Save.
func LoadProfile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var payload profilePayload
	if err := msgpack.NewDecoder(f).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", path, err)
	}
	if payload.Schema != profileSchemaVersion {
		return nil, fmt.Errorf("%w: %d (want %d)", ErrProfileSchema, payload.Schema, profileSchemaVersion)
	}

	p := NewProfile()
	for i := range payload.Entries {
		e := payload.Entries[i]
		p.entries[cacheKey{e.Address, e.Mode}] = &e
	}
	return p, nil
}
