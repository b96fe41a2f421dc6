// Package cursor implements the offset cursor: a stateful file-descriptor
// position tracker over a Partclone image's packed data region, translating
// device block indices into the corresponding file offsets in the presence
// of interleaved checksum records.
package cursor

import (
	"fmt"
	"io"
	"os"

	"github.com/allvpv/partclone-nbd/internal/image"
	"github.com/allvpv/partclone-nbd/internal/ioutil"
)

// Cursor tracks the current device block and the image file descriptor's
// matching position in the packed data region. A Cursor is not safe for
// concurrent use; callers open one per connection.
type Cursor struct {
	img *image.Image
	f   *os.File

	num            uint64 // current block index
	wordIdx        uint64 // num / 64, the bitmap word holding num's bit
	bitmapBit      uint   // num % 64
	existence      bool   // whether block num is present
	blocksSet      uint64 // running present-block count; see advance
	remainingBytes uint32 // unread bytes left in the current block's data
}

// Open opens its own file descriptor onto img and positions the cursor at
// block 0. Each connection must use its own Cursor; the descriptor is not
// shared across goroutines.
func Open(img *image.Image) (*Cursor, error) {
	f, err := os.Open(img.Path)
	if err != nil {
		return nil, fmt.Errorf("cursor: cannot open %q: %w", img.Path, err)
	}

	c := &Cursor{img: img, f: f, remainingBytes: img.BlockSize}
	if img.BlocksCount > 0 {
		c.existence = img.Bitmap.Test(0)
	}

	if _, err := f.Seek(int64(img.DataOffset), io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("cursor: cannot seek to data region: %w", err)
	}

	return c, nil
}

// Close releases the cursor's file descriptor.
func (c *Cursor) Close() error {
	if err := c.f.Close(); err != nil {
		return fmt.Errorf("cursor: close: %w", err)
	}
	return nil
}

// Block returns the current block index.
func (c *Cursor) Block() uint64 { return c.num }

// Existence reports whether the current block is present in the image.
func (c *Cursor) Existence() bool { return c.existence }

// RemainingBytes returns how many unread bytes remain in the current
// block's packed data, or block_size if nothing has been read from it yet.
func (c *Cursor) RemainingBytes() uint32 { return c.remainingBytes }

// SetBlock moves the cursor to block, choosing the cheapest available
// transition: a single advance if block is the immediate successor of the
// current block, an in-place reseek if block is the current block, or an
// independent rank-based jump otherwise.
func (c *Cursor) SetBlock(block uint64) error {
	if block >= c.img.BlocksCount {
		return fmt.Errorf("cursor: block %d out of range [0, %d)", block, c.img.BlocksCount)
	}

	switch {
	case block == c.num+1:
		return c.advance()
	case block != c.num:
		return c.setBlockFromScratch(block)
	default:
		return c.SeekWithinCurrentBlock(0)
	}
}

// Advance moves the cursor from the current block to the next one. Callers
// servicing a multi-block request call this once per block consumed,
// including the final, possibly partial, block of the request.
func (c *Cursor) Advance() error {
	return c.advance()
}

// setBlockFromScratch jumps directly to block using the bitmap's prefix-sum
// rank cache, independent of the cursor's previous position.
func (c *Cursor) setBlockFromScratch(block uint64) error {
	c.num = block
	c.remainingBytes = c.img.BlockSize
	c.wordIdx = block / 64
	c.bitmapBit = uint(block % 64)
	c.existence = c.img.Bitmap.Test(block)
	c.blocksSet = c.img.Bitmap.Rank(block)

	fileOffset := c.blocksSet*uint64(c.img.BlockSize) +
		(c.blocksSet/uint64(c.img.BlocksPerChecksum))*uint64(c.img.ChecksumSize) +
		c.img.DataOffset

	if _, err := c.f.Seek(int64(fileOffset), io.SeekStart); err != nil {
		return fmt.Errorf("cursor: cannot seek to block %d: %w", block, err)
	}
	return nil
}

// advance moves the cursor from num to num+1 with a single relative seek,
// without recomputing rank.
//
// Ordering matters here: the checksum-boundary test below must consume
// blocksSet and existence as they stood for the block just left, before
// either is updated for the new block. The increment of blocksSet that
// follows uses the freshly updated existence, matching the block layout
// the image writer actually produces for this traversal order; computing
// it from the pre-advance existence instead yields file positions that
// disagree with the packed layout on boundary blocks.
func (c *Cursor) advance() error {
	nextBit := c.bitmapBit + 1
	if nextBit == 64 {
		c.bitmapBit = 0
		c.wordIdx++
	} else {
		c.bitmapBit = nextBit
	}
	c.num++

	var additionalOffset uint64
	if c.existence {
		additionalOffset = uint64(c.remainingBytes)
		if (c.blocksSet+1)%uint64(c.img.BlocksPerChecksum) == 0 {
			additionalOffset += uint64(c.img.ChecksumSize)
		}
	}

	// num may land exactly on blocks_count after consuming the final block
	// of a request; there is no bit to read there, so treat it as absent.
	if c.num < c.img.BlocksCount {
		c.existence = (c.img.Bitmap.Word(c.wordIdx)>>c.bitmapBit)&1 == 1
	} else {
		c.existence = false
	}
	if c.existence {
		c.blocksSet++
	}
	c.remainingBytes = c.img.BlockSize

	if additionalOffset != 0 {
		if _, err := c.f.Seek(int64(additionalOffset), io.SeekCurrent); err != nil {
			return fmt.Errorf("cursor: cannot advance to block %d: %w", c.num, err)
		}
	}
	return nil
}

// SeekWithinCurrentBlock repositions the fd to byte offset within the
// current block, without changing which block is current.
func (c *Cursor) SeekWithinCurrentBlock(offset uint32) error {
	blkRemaining := c.img.BlockSize - offset
	delta := int64(c.remainingBytes) - int64(blkRemaining)

	if delta != 0 {
		if _, err := c.f.Seek(delta, io.SeekCurrent); err != nil {
			return fmt.Errorf("cursor: cannot seek within block %d: %w", c.num, err)
		}
	}
	c.remainingBytes = blkRemaining
	return nil
}

// Read reads up to len(p) bytes of the current block's packed data. The
// current block must be present (Existence); callers are responsible for
// zero-filling absent blocks themselves, and for never requesting more
// than RemainingBytes across the current block.
func (c *Cursor) Read(p []byte) (int, error) {
	if !c.existence {
		return 0, fmt.Errorf("cursor: block %d is absent in the image", c.num)
	}

	n, err := io.ReadFull(c.f, p)
	c.remainingBytes -= uint32(n)
	if err != nil {
		return n, fmt.Errorf("cursor: read at block %d: %w", c.num, err)
	}
	return n, nil
}

// WriteTo streams n bytes of the current block's packed data directly to
// w, using a zero-copy transfer where the platform and w support it
// instead of staging through buf. The current block must be present.
func (c *Cursor) WriteTo(w io.Writer, n uint32, buf []byte) error {
	if !c.existence {
		return fmt.Errorf("cursor: block %d is absent in the image", c.num)
	}

	written, err := ioutil.Transfer(w, c.f, int64(n), buf)
	c.remainingBytes -= uint32(written)
	if err != nil {
		return fmt.Errorf("cursor: transfer at block %d: %w", c.num, err)
	}
	return nil
}
