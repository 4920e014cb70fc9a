// Package wire encodes and decodes the five frame variants exchanged
// between Managers: a 1-byte opcode followed by fixed-width big-endian
// u64 fields (and, for a metadata frame, the caller's encoding of V).
// The layout is byte-exact by spec, which rules out a length-prefixed or
// varint-tagged encoding framework — encoding/binary is used directly.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Opcode identifies the frame variant. Values match the wire bytes
// exactly so a frame's first byte can be used as an Opcode with no
// translation.
type Opcode byte

const (
	OpMetadata      Opcode = 'M' // 0x4D
	OpSyncFromQuery Opcode = 'F' // 0x46
	OpSyncFromReply Opcode = 'f' // 0x66
	OpSyncToQuery   Opcode = 'T' // 0x54
	OpSyncToReply   Opcode = 't' // 0x74
)

// ErrUnknownOpcode is returned by ReadOpcode when the leading byte does
// not match any of the five known variants. The caller treats this as a
// fatal protocol error — the transport is trusted to deliver intact
// frames, so this component never attempts resynchronization.
var ErrUnknownOpcode = errors.New("wire: unknown opcode")

// ReadOpcode reads and validates the single leading opcode byte.
func ReadOpcode(r io.Reader) (Opcode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, "wire: read opcode")
	}
	switch Opcode(b[0]) {
	case OpMetadata, OpSyncFromQuery, OpSyncFromReply, OpSyncToQuery, OpSyncToReply:
		return Opcode(b[0]), nil
	default:
		return 0, errors.Wrapf(ErrUnknownOpcode, "0x%02x", b[0])
	}
}

func writeOpcode(w io.Writer, op Opcode) error {
	_, err := w.Write([]byte{byte(op)})
	return errors.Wrap(err, "wire: write opcode")
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return errors.Wrap(err, "wire: write u64")
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, "wire: read u64")
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// MetadataHeader is the <Ver> half of a metadata-broadcast frame. On the
// wire the version comes first: the opcode, then the 8-byte version, then
// the <V> payload, which is written and read directly through the
// caller-supplied codec, since this package treats V as opaque.
type MetadataHeader struct {
	Version uint64
}

// WriteMetadataPrefix writes the opcode and version for a metadata frame.
// The caller writes the encoded V immediately after, using its own codec.
func WriteMetadataPrefix(w io.Writer, version uint64) error {
	if err := writeOpcode(w, OpMetadata); err != nil {
		return err
	}
	return writeU64(w, version)
}

// ReadMetadataPrefix reads the version that follows the metadata opcode.
// The caller decodes the trailing V with its own codec.
func ReadMetadataPrefix(r io.Reader) (MetadataHeader, error) {
	v, err := readU64(r)
	if err != nil {
		return MetadataHeader{}, err
	}
	return MetadataHeader{Version: v}, nil
}

// SyncFromQuery is the <u64 qid> payload of opcode 'F'.
type SyncFromQuery struct {
	QueryID uint64
}

func WriteSyncFromQuery(w io.Writer, f SyncFromQuery) error {
	if err := writeOpcode(w, OpSyncFromQuery); err != nil {
		return err
	}
	return writeU64(w, f.QueryID)
}

func ReadSyncFromQuery(r io.Reader) (SyncFromQuery, error) {
	qid, err := readU64(r)
	if err != nil {
		return SyncFromQuery{}, err
	}
	return SyncFromQuery{QueryID: qid}, nil
}

// SyncFromReply is the <u64 qid> <Ver> payload of opcode 'f'.
type SyncFromReply struct {
	QueryID uint64
	Version uint64
}

func WriteSyncFromReply(w io.Writer, f SyncFromReply) error {
	if err := writeOpcode(w, OpSyncFromReply); err != nil {
		return err
	}
	if err := writeU64(w, f.QueryID); err != nil {
		return err
	}
	return writeU64(w, f.Version)
}

func ReadSyncFromReply(r io.Reader) (SyncFromReply, error) {
	qid, err := readU64(r)
	if err != nil {
		return SyncFromReply{}, err
	}
	v, err := readU64(r)
	if err != nil {
		return SyncFromReply{}, err
	}
	return SyncFromReply{QueryID: qid, Version: v}, nil
}

// SyncToQuery is the <u64 qid> <Ver> payload of opcode 'T'.
type SyncToQuery struct {
	QueryID uint64
	Version uint64
}

func WriteSyncToQuery(w io.Writer, f SyncToQuery) error {
	if err := writeOpcode(w, OpSyncToQuery); err != nil {
		return err
	}
	if err := writeU64(w, f.QueryID); err != nil {
		return err
	}
	return writeU64(w, f.Version)
}

func ReadSyncToQuery(r io.Reader) (SyncToQuery, error) {
	qid, err := readU64(r)
	if err != nil {
		return SyncToQuery{}, err
	}
	v, err := readU64(r)
	if err != nil {
		return SyncToQuery{}, err
	}
	return SyncToQuery{QueryID: qid, Version: v}, nil
}

// SyncToReply is the <u64 qid> payload of opcode 't'.
type SyncToReply struct {
	QueryID uint64
}

func WriteSyncToReply(w io.Writer, f SyncToReply) error {
	if err := writeOpcode(w, OpSyncToReply); err != nil {
		return err
	}
	return writeU64(w, f.QueryID)
}

func ReadSyncToReply(r io.Reader) (SyncToReply, error) {
	qid, err := readU64(r)
	if err != nil {
		return SyncToReply{}, err
	}
	return SyncToReply{QueryID: qid}, nil
}
