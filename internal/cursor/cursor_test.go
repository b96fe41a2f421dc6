package cursor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/allvpv/partclone-nbd/internal/bitmap"
	"github.com/allvpv/partclone-nbd/internal/image"
)

// fixtureImage builds the 4-block synthetic image used throughout: block
// size 4, blocks 1 and 3 present, blocks_per_checksum 2, checksum_size 4,
// data_offset 100. The on-disk bytes place block1's data at absolute offset
// 100 and block3's data at 108, matching the sequential traversal that
// set_block(0) followed by three advances actually produces.
func fixtureImage(t *testing.T) *image.Image {
	t.Helper()

	bm := bitmap.New(4, 512)
	bm.Set(1)
	bm.Set(3)
	bm.Finalize()

	var buf bytes.Buffer
	buf.Write(make([]byte, 100)) // header + bitmap region, contents irrelevant
	buf.Write(bytes.Repeat([]byte{0xAA}, 4))
	buf.Write(bytes.Repeat([]byte{0x00}, 4)) // checksum record, never verified
	buf.Write(bytes.Repeat([]byte{0xBB}, 4))

	path := filepath.Join(t.TempDir(), "fixture.img")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	return &image.Image{
		Path:              path,
		BlockSize:         4,
		BlocksCount:       4,
		DataOffset:        100,
		ChecksumSize:      4,
		BlocksPerChecksum: 2,
		Bitmap:            bm,
	}
}

func TestSequentialAdvanceMatchesPackedLayout(t *testing.T) {
	img := fixtureImage(t)
	c, err := Open(img)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if c.Block() != 0 || c.Existence() {
		t.Fatalf("initial state = block %d existence %v, want block 0 existence false", c.Block(), c.Existence())
	}

	if err := c.SetBlock(1); err != nil {
		t.Fatalf("SetBlock(1): %v", err)
	}
	if !c.Existence() {
		t.Fatal("block 1 must be present")
	}
	got := make([]byte, 4)
	if _, err := c.Read(got); err != nil {
		t.Fatalf("Read block1: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0xAA}, 4)) {
		t.Fatalf("block1 data = % x, want 0xAA repeated", got)
	}

	if err := c.SetBlock(2); err != nil {
		t.Fatalf("SetBlock(2): %v", err)
	}
	if c.Existence() {
		t.Fatal("block 2 must be absent")
	}

	if err := c.SetBlock(3); err != nil {
		t.Fatalf("SetBlock(3): %v", err)
	}
	if !c.Existence() {
		t.Fatal("block 3 must be present")
	}
	got3 := make([]byte, 4)
	if _, err := c.Read(got3); err != nil {
		t.Fatalf("Read block3: %v", err)
	}
	if !bytes.Equal(got3, bytes.Repeat([]byte{0xBB}, 4)) {
		t.Fatalf("block3 data = % x, want 0xBB repeated (fd must land at offset 108)", got3)
	}
}

func TestSeekWithinCurrentBlockPartialThenFull(t *testing.T) {
	img := fixtureImage(t)
	c, err := Open(img)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.SetBlock(1); err != nil {
		t.Fatalf("SetBlock(1): %v", err)
	}

	// read the last 2 bytes of block1 only.
	if err := c.SeekWithinCurrentBlock(2); err != nil {
		t.Fatalf("SeekWithinCurrentBlock(2): %v", err)
	}
	if c.RemainingBytes() != 2 {
		t.Fatalf("RemainingBytes = %d, want 2", c.RemainingBytes())
	}
	tail := make([]byte, 2)
	if _, err := c.Read(tail); err != nil {
		t.Fatalf("Read tail: %v", err)
	}
	if !bytes.Equal(tail, []byte{0xAA, 0xAA}) {
		t.Fatalf("tail = % x, want AA AA", tail)
	}

	// now re-seek back to the start of the same block and read it whole.
	if err := c.SeekWithinCurrentBlock(0); err != nil {
		t.Fatalf("SeekWithinCurrentBlock(0): %v", err)
	}
	whole := make([]byte, 4)
	if _, err := c.Read(whole); err != nil {
		t.Fatalf("Read whole: %v", err)
	}
	if !bytes.Equal(whole, bytes.Repeat([]byte{0xAA}, 4)) {
		t.Fatalf("whole = % x, want 0xAA repeated", whole)
	}
}

func TestGroundJumpIsIdempotent(t *testing.T) {
	img := fixtureImage(t)
	c, err := Open(img)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.SetBlock(3); err != nil {
		t.Fatalf("SetBlock(3): %v", err)
	}
	first := make([]byte, 4)
	if _, err := c.Read(first); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if err := c.SetBlock(0); err != nil {
		t.Fatalf("SetBlock(0): %v", err)
	}
	if err := c.SetBlock(3); err != nil {
		t.Fatalf("SetBlock(3) again: %v", err)
	}
	second := make([]byte, 4)
	if _, err := c.Read(second); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatalf("ground jump to block 3 is not idempotent: % x vs % x", first, second)
	}
}

func TestSetBlockRejectsOutOfRange(t *testing.T) {
	img := fixtureImage(t)
	c, err := Open(img)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.SetBlock(4); err == nil {
		t.Fatal("expected error for block index == blocks_count")
	}
}
