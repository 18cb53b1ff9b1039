// Package identitystore implements the fixed-slot persistent key/value
// store holding the gateway's identity: a device's "EEPROM" laid out from
// the end of its persistent region downward, with UUID/TOKEN/MAC/
// SCHEMA_FLAG/PRIVATE_KEY/PUBLIC_KEY slots plus a variable-length CONFIG
// region whose size is tracked by a fixed 2-byte header.
//
// Open opens (or creates) a SQLite database and runs idempotent
// migrations. The region persists as one flat byte blob in a single row:
// the slot layout is addressed, not queried.
package identitystore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SlotID identifies a fixed-purpose region in the store.
type SlotID int

const (
	SlotUUID SlotID = iota
	SlotToken
	SlotMAC
	SlotSchemaFlag
	SlotPrivateKey
	SlotPublicKey
	SlotConfig
)

// Fixed slot sizes. CONFIG is variable-length, bounded by the free region
// and tracked via ConfigSizeHdrSize.
const (
	SizeUUID          = 36
	SizeToken         = 40
	SizeMAC           = 8
	SizeSchemaFlag    = 1
	SizePrivateKey    = 32
	SizePublicKey     = 64
	ConfigSizeHdrSize = 2

	// DefaultRegionSize is the size of the emulated persistent region when
	// none is specified. The fixed slots plus header occupy
	// SizeUUID+SizeToken+SizeMAC+SizeSchemaFlag+SizePrivateKey+SizePublicKey+ConfigSizeHdrSize = 183 bytes
	// of tail; the remainder is free region available to CONFIG and to raw
	// read/write below config_base.
	DefaultRegionSize = 1024
)

var (
	// ErrInvalid covers unknown slot ids and length mismatches for
	// fixed-size slots.
	ErrInvalid = errors.New("identitystore: invalid argument")
	// ErrFault indicates the CONFIG_SIZE_HDR reports a size larger than the
	// free region; the store is treated as corrupt.
	ErrFault = errors.New("identitystore: corrupt config size header")
)

func fixedSlotSize(id SlotID) (int, bool) {
	switch id {
	case SlotUUID:
		return SizeUUID, true
	case SlotToken:
		return SizeToken, true
	case SlotMAC:
		return SizeMAC, true
	case SlotSchemaFlag:
		return SizeSchemaFlag, true
	case SlotPrivateKey:
		return SizePrivateKey, true
	case SlotPublicKey:
		return SizePublicKey, true
	default:
		return 0, false
	}
}

// tailOffsets returns, for each fixed slot, how far before the end of the
// region its slot begins. Slots are packed contiguously from the end
// downward in the order UUID, TOKEN, MAC, SCHEMA_FLAG, PRIVATE_KEY,
// PUBLIC_KEY, with CONFIG_SIZE_HDR immediately above the CONFIG region.
func tailOffsets() map[SlotID]int {
	// Distance from the end of the region to the start of each slot.
	off := map[SlotID]int{}
	cursor := 0
	for _, id := range []SlotID{SlotUUID, SlotToken, SlotMAC, SlotSchemaFlag, SlotPrivateKey, SlotPublicKey} {
		size, _ := fixedSlotSize(id)
		cursor += size
		off[id] = cursor
	}
	return off
}

// Store persists the EEPROM-style region in SQLite as a single row holding
// the raw bytes, mounted and flushed on every mutation.
type Store struct {
	db         *sql.DB
	regionSize int
	region     []byte // in-memory working copy, flushed to sqlite on write
}

// Open opens (or creates) a SQLite-backed identity store at path, sized
// regionSize bytes. On first creation the region is zeroed and a fresh
// UUID is written into the UUID slot.
func Open(path string, regionSize int) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("identitystore: database path is required")
	}
	if regionSize <= 0 {
		regionSize = DefaultRegionSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("identitystore: create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("identitystore: open sqlite database: %w", err)
	}
	st := &Store{db: db, regionSize: regionSize}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.mount(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("identity store opened", "path", path, "region_size", regionSize)
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS identity_region (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data BLOB NOT NULL
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("identitystore: run migrations: %w", err)
	}
	slog.Debug("identitystore migrations applied")
	return nil
}

func (s *Store) mount(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM identity_region WHERE id = 1`)
	var data []byte
	err := row.Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		data = make([]byte, s.regionSize)
		if _, err := s.db.ExecContext(ctx, `INSERT INTO identity_region (id, data) VALUES (1, ?)`, data); err != nil {
			return fmt.Errorf("identitystore: seed region: %w", err)
		}
		s.region = data
		id := uuid.New()
		if _, err := s.WriteSlot(SlotUUID, []byte(id.String())); err != nil {
			return fmt.Errorf("identitystore: seed uuid: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("identitystore: load region: %w", err)
	}
	if len(data) != s.regionSize {
		// Region size changed across mounts; re-size, preserving existing bytes.
		resized := make([]byte, s.regionSize)
		copy(resized, data)
		data = resized
	}
	s.region = data
	return nil
}

func (s *Store) flush(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE identity_region SET data = ? WHERE id = 1`, s.region)
	if err != nil {
		return fmt.Errorf("identitystore: flush region: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// configSizeHdrOffset is the distance from the end of the region to the
// CONFIG_SIZE_HDR, i.e. immediately below the PUBLIC_KEY slot.
func (s *Store) configSizeHdrOffset() int {
	off := tailOffsets()
	return off[SlotPublicKey] + ConfigSizeHdrSize
}

// configSize reads CONFIG_SIZE_HDR. Returns 0 (treated as "no config") if
// the header is out of bounds for the free region.
func (s *Store) configSize() (int, error) {
	hdrOff := s.configSizeHdrOffset()
	addr := s.regionSize - hdrOff
	if addr < 0 || addr+ConfigSizeHdrSize > s.regionSize {
		return 0, nil
	}
	size := int(binary.BigEndian.Uint16(s.region[addr : addr+ConfigSizeHdrSize]))
	freeRegion := s.regionSize - hdrOff
	if size > freeRegion {
		return 0, ErrFault
	}
	return size, nil
}

// ConfigSize returns the size of the CONFIG slot. Any stored value larger
// than the free region is treated as "no config" and reads as size 0.
func (s *Store) ConfigSize() (int, error) {
	size, err := s.configSize()
	if errors.Is(err, ErrFault) {
		return 0, nil
	}
	return size, err
}

// configBase returns the start address of the CONFIG region:
// CONFIG_BASE - config_size(). Raw read/write below this address is
// permitted; at or above it is the protected tail.
func (s *Store) configBase() (int, error) {
	size, err := s.configSize()
	if err != nil {
		return 0, err
	}
	hdrOff := s.configSizeHdrOffset()
	return s.regionSize - hdrOff - size, nil
}

// ReadSlot reads a fixed-size slot (or, for SlotConfig, the variable-length
// CONFIG region) and returns up to outLen bytes.
func (s *Store) ReadSlot(id SlotID, outLen int) ([]byte, error) {
	if id == SlotConfig {
		return s.readConfig(outLen)
	}
	size, ok := fixedSlotSize(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown slot %d", ErrInvalid, id)
	}
	if outLen != size {
		return nil, fmt.Errorf("%w: slot %d expects %d bytes, got outLen %d", ErrInvalid, id, size, outLen)
	}
	off := tailOffsets()[id]
	addr := s.regionSize - off
	if addr < 0 || addr+size > s.regionSize {
		return nil, fmt.Errorf("%w: slot %d out of bounds", ErrInvalid, id)
	}
	out := make([]byte, size)
	copy(out, s.region[addr:addr+size])
	return out, nil
}

func (s *Store) readConfig(outLen int) ([]byte, error) {
	size, err := s.ConfigSize()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	base, err := s.configBase()
	if err != nil {
		return nil, err
	}
	n := size
	if outLen < n {
		n = outLen
	}
	if base < 0 || base+n > s.regionSize {
		return nil, fmt.Errorf("%w: config region out of bounds", ErrInvalid)
	}
	out := make([]byte, n)
	copy(out, s.region[base:base+n])
	return out, nil
}

// WriteSlot writes a fixed-size slot (or, for SlotConfig, a variable-length
// CONFIG region, updating CONFIG_SIZE_HDR) and persists the change.
// Returns the number of bytes written.
func (s *Store) WriteSlot(id SlotID, value []byte) (int, error) {
	if id == SlotConfig {
		return s.writeConfig(value)
	}
	size, ok := fixedSlotSize(id)
	if !ok {
		return 0, fmt.Errorf("%w: unknown slot %d", ErrInvalid, id)
	}
	if len(value) != size {
		return 0, fmt.Errorf("%w: slot %d expects %d bytes, got %d", ErrInvalid, id, size, len(value))
	}
	off := tailOffsets()[id]
	addr := s.regionSize - off
	if addr < 0 || addr+size > s.regionSize {
		return 0, fmt.Errorf("%w: slot %d out of bounds", ErrInvalid, id)
	}
	copy(s.region[addr:addr+size], value)
	if err := s.flush(context.Background()); err != nil {
		return 0, err
	}
	return size, nil
}

func (s *Store) writeConfig(value []byte) (int, error) {
	hdrOff := s.configSizeHdrOffset()
	freeRegion := s.regionSize - hdrOff
	if len(value) > freeRegion {
		return 0, fmt.Errorf("%w: config of %d bytes exceeds free region %d", ErrInvalid, len(value), freeRegion)
	}
	base := s.regionSize - hdrOff - len(value)
	if base < 0 {
		return 0, fmt.Errorf("%w: config region out of bounds", ErrInvalid)
	}
	hdrAddr := s.regionSize - hdrOff
	binary.BigEndian.PutUint16(s.region[hdrAddr:hdrAddr+ConfigSizeHdrSize], uint16(len(value)))
	copy(s.region[base:base+len(value)], value)
	if err := s.flush(context.Background()); err != nil {
		return 0, err
	}
	return len(value), nil
}

// Read performs a raw read over the free region. Only addresses strictly
// below config_base are permitted; any attempt to read within the protected
// tail returns 0 bytes.
func (s *Store) Read(addr, length int) []byte {
	base, err := s.configBase()
	if err != nil || addr < 0 || addr+length > base || addr >= base {
		return nil
	}
	out := make([]byte, length)
	copy(out, s.region[addr:addr+length])
	return out
}

// Write performs a raw write over the free region, with the same
// below-config_base restriction as Read.
func (s *Store) Write(addr int, value []byte) int {
	base, err := s.configBase()
	if err != nil || addr < 0 || addr+len(value) > base || addr >= base {
		return 0
	}
	copy(s.region[addr:addr+len(value)], value)
	if err := s.flush(context.Background()); err != nil {
		return 0
	}
	return len(value)
}

// Reset zeroes all slots and clears CONFIG_SIZE_HDR.
func (s *Store) Reset() error {
	for i := range s.region {
		s.region[i] = 0
	}
	return s.flush(context.Background())
}
