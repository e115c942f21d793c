package wire

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/weft/errors"
)

// ChunkInfo rides on every chunk frame. ChunkID groups the chunks of one
// original message, DataHash is the SHA-256 of the complete serialized
// message so the receiver can verify reassembly.
type ChunkInfo struct {
	ChunkID     string `json:"chunk_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	DataHash    string `json:"data_hash"`
}

// ChunkData is the payload of a chunk frame: one base64 slice of the
// serialized original envelope.
type ChunkData struct {
	Data string `json:"data"`
}

// DefaultAssemblyMaxAge is how long a partial reassembly buffer survives
// without completing before the sweep drops it.
const DefaultAssemblyMaxAge = 2 * time.Minute

// Chunk-transport errors. Callers log and drop; a bad chunk never tears
// down the connection.
var (
	ErrNotChunk        = errors.New("envelope is not a chunk")
	ErrChunkMismatch   = errors.New("chunk does not match its buffer")
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	ErrHashMismatch    = errors.New("reassembled message hash mismatch")
)

// NeedsSplit reports whether a serialized message exceeds the chunk size.
func NeedsSplit(raw []byte, chunkSize int) bool {
	return chunkSize > 0 && len(raw) > chunkSize
}

// Split breaks a serialized envelope into chunk envelopes of at most
// chunkSize payload bytes each. The chunks share a fresh chunk id and the
// SHA-256 of raw. Split always splits; callers gate on NeedsSplit.
func Split(raw []byte, chunkSize int) ([]*Envelope, error) {
	if chunkSize <= 0 {
		return nil, errors.Newf("invalid chunk size %d", chunkSize)
	}
	if len(raw) == 0 {
		return nil, errors.New("cannot split empty message")
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	chunkID := uuid.New().String()

	total := (len(raw) + chunkSize - 1) / chunkSize
	chunks := make([]*Envelope, 0, total)

	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(raw) {
			end = len(raw)
		}

		env, err := New(TypeChunk, ChunkData{
			Data: base64.StdEncoding.EncodeToString(raw[start:end]),
		})
		if err != nil {
			return nil, err
		}
		env.ChunkInfo = &ChunkInfo{
			ChunkID:     chunkID,
			ChunkIndex:  i,
			TotalChunks: total,
			DataHash:    hash,
		}
		chunks = append(chunks, env)
	}

	return chunks, nil
}

type assemblyBuffer struct {
	total     int
	hash      string
	parts     map[int][]byte
	createdAt time.Time
}

// Assembler reassembles chunked messages per connection. Buffers that do
// not complete within maxAge are dropped by Sweep, so a sender that dies
// mid-message cannot pin memory forever.
type Assembler struct {
	mu      sync.Mutex
	maxAge  time.Duration
	buffers map[string]*assemblyBuffer
}

// NewAssembler builds an assembler. maxAge <= 0 uses DefaultAssemblyMaxAge.
func NewAssembler(maxAge time.Duration) *Assembler {
	if maxAge <= 0 {
		maxAge = DefaultAssemblyMaxAge
	}
	return &Assembler{
		maxAge:  maxAge,
		buffers: make(map[string]*assemblyBuffer),
	}
}

// Add feeds one chunk in. When the chunk completes its message, Add
// returns the reassembled inner envelope and drops the buffer. Until then
// it returns (nil, nil). Duplicate chunks are idempotent. Any verification
// failure drops the whole buffer: the sender's retry starts clean.
func (a *Assembler) Add(env *Envelope) (*Envelope, error) {
	if env.Type != TypeChunk || env.ChunkInfo == nil {
		return nil, ErrNotChunk
	}
	info := env.ChunkInfo
	if info.TotalChunks <= 0 || info.ChunkIndex < 0 || info.ChunkIndex >= info.TotalChunks {
		return nil, errors.Wrapf(ErrChunkOutOfRange, "index %d of %d", info.ChunkIndex, info.TotalChunks)
	}

	data, err := DecodePayload[ChunkData](env)
	if err != nil {
		return nil, err
	}
	part, err := base64.StdEncoding.DecodeString(data.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decoding chunk data")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[info.ChunkID]
	if !ok {
		buf = &assemblyBuffer{
			total:     info.TotalChunks,
			hash:      info.DataHash,
			parts:     make(map[int][]byte, info.TotalChunks),
			createdAt: time.Now(),
		}
		a.buffers[info.ChunkID] = buf
	}

	if buf.total != info.TotalChunks || buf.hash != info.DataHash {
		delete(a.buffers, info.ChunkID)
		return nil, errors.Wrapf(ErrChunkMismatch, "chunk %s", info.ChunkID)
	}

	buf.parts[info.ChunkIndex] = part
	if len(buf.parts) < buf.total {
		return nil, nil
	}

	// Complete: join in index order, verify, decode.
	delete(a.buffers, info.ChunkID)

	size := 0
	for _, p := range buf.parts {
		size += len(p)
	}
	joined := make([]byte, 0, size)
	for i := 0; i < buf.total; i++ {
		joined = append(joined, buf.parts[i]...)
	}

	sum := sha256.Sum256(joined)
	if hex.EncodeToString(sum[:]) != buf.hash {
		return nil, errors.Wrapf(ErrHashMismatch, "chunk %s", info.ChunkID)
	}

	inner, err := Decode(joined)
	if err != nil {
		return nil, errors.Wrap(err, "decoding reassembled message")
	}
	return inner, nil
}

// Sweep drops buffers older than maxAge and returns how many it evicted.
func (a *Assembler) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	evicted := 0
	for id, buf := range a.buffers {
		if now.Sub(buf.createdAt) > a.maxAge {
			delete(a.buffers, id)
			evicted++
		}
	}
	return evicted
}

// Pending returns the number of incomplete reassembly buffers.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
