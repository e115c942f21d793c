package wire

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

// bigEnvelope builds a serialized envelope large enough to need chunking
// at the given chunk size.
func bigEnvelope(t *testing.T, size int) []byte {
	t.Helper()
	env, err := New(TypeJobProgress, map[string]string{"blob": strings.Repeat("x", size)})
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encoding envelope: %v", err)
	}
	return raw
}

func TestNeedsSplit(t *testing.T) {
	if NeedsSplit([]byte("small"), 1024) {
		t.Error("small message should not need splitting")
	}
	if !NeedsSplit(make([]byte, 2048), 1024) {
		t.Error("oversize message should need splitting")
	}
	if NeedsSplit(make([]byte, 2048), 0) {
		t.Error("zero chunk size must disable splitting, not split everything")
	}
}

func TestSplitAndReassemble(t *testing.T) {
	raw := bigEnvelope(t, 4096)
	chunks, err := Split(raw, 1000)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	// All chunks share one id and the full-message hash.
	first := chunks[0].ChunkInfo
	for i, c := range chunks {
		if c.Type != TypeChunk {
			t.Errorf("chunk %d type = %q", i, c.Type)
		}
		if c.ChunkInfo.ChunkID != first.ChunkID {
			t.Errorf("chunk %d has different chunk id", i)
		}
		if c.ChunkInfo.TotalChunks != len(chunks) {
			t.Errorf("chunk %d total = %d, want %d", i, c.ChunkInfo.TotalChunks, len(chunks))
		}
		if c.ChunkInfo.ChunkIndex != i {
			t.Errorf("chunk %d index = %d", i, c.ChunkInfo.ChunkIndex)
		}
	}

	asm := NewAssembler(time.Minute)
	var inner *Envelope
	for i, c := range chunks {
		got, err := asm.Add(c)
		if err != nil {
			t.Fatalf("Add chunk %d failed: %v", i, err)
		}
		if i < len(chunks)-1 && got != nil {
			t.Fatalf("assembly completed early at chunk %d", i)
		}
		inner = got
	}
	if inner == nil {
		t.Fatal("assembly never completed")
	}
	if inner.Type != TypeJobProgress {
		t.Errorf("reassembled type = %q, want %q", inner.Type, TypeJobProgress)
	}

	reencoded, err := inner.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reencoded, raw) {
		t.Error("reassembled message differs from the original")
	}
	if asm.Pending() != 0 {
		t.Errorf("buffer not released after completion, %d pending", asm.Pending())
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	raw := bigEnvelope(t, 3000)
	chunks, err := Split(raw, 500)
	if err != nil {
		t.Fatal(err)
	}

	asm := NewAssembler(time.Minute)

	// Deliver back to front. Only the last Add may complete.
	var inner *Envelope
	for i := len(chunks) - 1; i >= 0; i-- {
		got, err := asm.Add(chunks[i])
		if err != nil {
			t.Fatalf("Add chunk %d failed: %v", i, err)
		}
		if got != nil {
			inner = got
		}
	}
	if inner == nil {
		t.Fatal("out-of-order assembly never completed")
	}
	if inner.Type != TypeJobProgress {
		t.Errorf("reassembled type = %q", inner.Type)
	}
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	raw := bigEnvelope(t, 2000)
	chunks, err := Split(raw, 600)
	if err != nil {
		t.Fatal(err)
	}

	asm := NewAssembler(time.Minute)
	if _, err := asm.Add(chunks[0]); err != nil {
		t.Fatal(err)
	}
	// Same chunk again: no error, no completion.
	got, err := asm.Add(chunks[0])
	if err != nil {
		t.Fatalf("duplicate chunk errored: %v", err)
	}
	if got != nil {
		t.Fatal("duplicate chunk completed assembly")
	}

	for _, c := range chunks[1:] {
		if got, err = asm.Add(c); err != nil {
			t.Fatal(err)
		}
	}
	if got == nil {
		t.Fatal("assembly did not complete after duplicates")
	}
}

func TestHashMismatchDropsMessage(t *testing.T) {
	raw := bigEnvelope(t, 2000)
	chunks, err := Split(raw, 600)
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt one chunk's data after the hash was computed.
	tampered := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("z", 600)))
	chunks[1].Payload = []byte(`{"data":"` + tampered + `"}`)

	asm := NewAssembler(time.Minute)
	var lastErr error
	for _, c := range chunks {
		if _, err := asm.Add(c); err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		t.Fatal("corrupted reassembly did not error")
	}
	if !strings.Contains(lastErr.Error(), "hash mismatch") {
		t.Errorf("unexpected error: %v", lastErr)
	}
	if asm.Pending() != 0 {
		t.Error("corrupted buffer was not dropped")
	}
}

func TestMismatchedTotalsDropBuffer(t *testing.T) {
	raw := bigEnvelope(t, 2000)
	chunks, err := Split(raw, 600)
	if err != nil {
		t.Fatal(err)
	}

	asm := NewAssembler(time.Minute)
	if _, err := asm.Add(chunks[0]); err != nil {
		t.Fatal(err)
	}

	// Second chunk claims a different total for the same chunk id.
	chunks[1].ChunkInfo.TotalChunks = 99
	if _, err := asm.Add(chunks[1]); err == nil {
		t.Fatal("mismatched totals accepted")
	}
	if asm.Pending() != 0 {
		t.Error("conflicted buffer was not dropped")
	}
}

func TestRejectsNonChunk(t *testing.T) {
	asm := NewAssembler(time.Minute)
	if _, err := asm.Add(MustNew(TypePing, nil)); err == nil {
		t.Error("assembler accepted a non-chunk envelope")
	}
}

func TestRejectsOutOfRangeIndex(t *testing.T) {
	raw := bigEnvelope(t, 2000)
	chunks, err := Split(raw, 600)
	if err != nil {
		t.Fatal(err)
	}

	asm := NewAssembler(time.Minute)
	chunks[0].ChunkInfo.ChunkIndex = chunks[0].ChunkInfo.TotalChunks + 3
	if _, err := asm.Add(chunks[0]); err == nil {
		t.Error("assembler accepted an out-of-range chunk index")
	}
}

func TestSweepEvictsStaleBuffers(t *testing.T) {
	raw := bigEnvelope(t, 2000)
	chunks, err := Split(raw, 600)
	if err != nil {
		t.Fatal(err)
	}

	asm := NewAssembler(50 * time.Millisecond)
	if _, err := asm.Add(chunks[0]); err != nil {
		t.Fatal(err)
	}
	if asm.Pending() != 1 {
		t.Fatalf("expected 1 pending buffer, got %d", asm.Pending())
	}

	if n := asm.Sweep(time.Now()); n != 0 {
		t.Errorf("fresh buffer evicted: %d", n)
	}
	if n := asm.Sweep(time.Now().Add(time.Second)); n != 1 {
		t.Errorf("stale buffer not evicted: %d", n)
	}
	if asm.Pending() != 0 {
		t.Error("buffer still pending after sweep")
	}
}

func TestSplitRejectsBadInput(t *testing.T) {
	if _, err := Split(nil, 100); err == nil {
		t.Error("Split accepted empty input")
	}
	if _, err := Split([]byte("data"), 0); err == nil {
		t.Error("Split accepted zero chunk size")
	}
}
