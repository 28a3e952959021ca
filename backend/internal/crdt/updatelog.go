package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// UpdateLog is an Engine that keeps every distinct update in arrival order. Updates
// are opaque; merging is left to the clients, which apply the whole log on sync.
// Stored state is a sequence of uvarint length prefixed frames.
type UpdateLog struct {
	// MaxUpdateSize bounds a single update. Zero means unlimited.
	MaxUpdateSize int
}

func (e UpdateLog) New() Doc {
	return &logDoc{maxUpdate: e.MaxUpdateSize, seen: make(map[[blake2b.Size256]byte]struct{})}
}

func (e UpdateLog) Load(state []byte) (Doc, error) {
	d := e.New().(*logDoc)
	off := 0
	for off < len(state) {
		n, k := binary.Uvarint(state[off:])
		if k <= 0 || n == 0 || uint64(len(state)-off-k) < n {
			return nil, fmt.Errorf("%w: bad frame at offset %d", ErrMalformedUpdate, off)
		}
		d.append(state[off+k : off+k+int(n)])
		off += k + int(n)
	}
	return d, nil
}

type logDoc struct {
	maxUpdate int
	buf       bytes.Buffer
	seen      map[[blake2b.Size256]byte]struct{}
	digest    [blake2b.Size256]byte
}

func (d *logDoc) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty update", ErrMalformedUpdate)
	}
	if d.maxUpdate > 0 && len(update) > d.maxUpdate {
		return fmt.Errorf("%w: update of %d bytes exceeds %d", ErrMalformedUpdate, len(update), d.maxUpdate)
	}
	d.append(update)
	return nil
}

// append is idempotent: re-applying an update already in the log is a no-op.
func (d *logDoc) append(update []byte) {
	sum := blake2b.Sum256(update)
	if _, dup := d.seen[sum]; dup {
		return
	}
	d.seen[sum] = struct{}{}

	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(update)))
	d.buf.Write(hdr[:n])
	d.buf.Write(update)

	d.digest = blake2b.Sum256(append(d.digest[:], sum[:]...))
}

func (d *logDoc) EncodeStateAsUpdate() []byte {
	return bytes.Clone(d.buf.Bytes())
}

// EncodeStateVector is the update count followed by a rolling digest of the log.
func (d *logDoc) EncodeStateVector() []byte {
	out := binary.AppendUvarint(nil, uint64(len(d.seen)))
	return append(out, d.digest[:]...)
}
