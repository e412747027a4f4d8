package rfb

import (
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

const zrleTileSize = 64

// zrleDecoder holds the single zlib stream a ZRLE-encoded session
// shares across every rectangle for its whole lifetime. The RFB spec
// requires one persistent zlib stream per connection: servers may
// split a DEFLATE block across rectangle boundaries, and reset the
// window only at the very start of the session.
//
// Go's compress/zlib.Reader treats any io.EOF from its underlying
// source as permanent: once seen, the Reader refuses to produce more
// output even if more bytes are later available. Feeding each
// rectangle's payload through a fresh bytes.Reader (or signalling
// "no more data yet" with EOF between rectangles) would therefore
// either lose window continuity or wedge the decompressor for the
// rest of the session. Polling with (0, nil) reads doesn't work either:
// bufio's fill() gives up and returns io.ErrNoProgress after about 100
// consecutive empty reads.
//
// The fix is to never let the zlib Reader see EOF mid-session: an
// io.Pipe stands in as the zlib Reader's source, constructed once.
// Each Decode call spawns a short-lived goroutine that writes exactly
// that rectangle's compressed bytes into the pipe; Write blocks until
// the zlib Reader has consumed them, so the goroutine exits once the
// rectangle's tiles have all been read, without ever closing the pipe.
type zrleDecoder struct {
	pipeWriter *io.PipeWriter
	zr         io.Reader
	br         *bitReader

	initialized bool
	bigEndian   bool
}

func newZRLEDecoder() *zrleDecoder {
	return &zrleDecoder{}
}

// Decode reads one ZRLE rectangle of the given pixel dimensions from r,
// returning bpp-bytes-per-pixel pixel data in row-major order. bigEndian
// controls which end of the 4-byte pixel buffer the CPIXEL compaction
// padding byte is placed at, per the server's negotiated PixelFormat.
func (d *zrleDecoder) Decode(r io.Reader, width, height, bpp int, bigEndian bool) ([]byte, error) {
	d.bigEndian = bigEndian
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(lengthBuf[:]))
	compressed := make([]byte, length)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}

	writeErr := make(chan error, 1)
	startWrite := func() {
		go func() {
			_, err := d.pipeWriter.Write(compressed)
			writeErr <- err
		}()
	}

	if !d.initialized {
		// zlib.NewReader reads the stream header at once, so the writer
		// must already be feeding the pipe.
		pr, pw := io.Pipe()
		d.pipeWriter = pw
		startWrite()
		zr, err := zlib.NewReader(pr)
		if err != nil {
			pr.CloseWithError(err)
			return nil, err
		}
		d.zr = zr
		d.br = newBitReader(zr)
		d.initialized = true
	} else {
		startWrite()
	}

	out := make([]byte, width*height*bpp)
	if err := d.decodeTiles(out, width, height, bpp); err != nil {
		return nil, err
	}

	if err := <-writeErr; err != nil {
		return nil, err
	}
	return out, nil
}

func (d *zrleDecoder) decodeTiles(out []byte, width, height, bpp int) error {
	for tileY := 0; tileY < height; tileY += zrleTileSize {
		tileH := minInt(zrleTileSize, height-tileY)
		for tileX := 0; tileX < width; tileX += zrleTileSize {
			tileW := minInt(zrleTileSize, width-tileX)
			if err := d.decodeTile(out, width, bpp, tileX, tileY, tileW, tileH); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *zrleDecoder) decodeTile(out []byte, stride, bpp, tileX, tileY, tileW, tileH int) error {
	subencoding, err := d.br.ReadByte()
	if err != nil {
		return err
	}

	switch {
	case subencoding == 0: // raw
		return d.readRawTile(out, stride, bpp, tileX, tileY, tileW, tileH)

	case subencoding == 1: // solid
		pixel, err := d.readCPixel(bpp)
		if err != nil {
			return err
		}
		fillTile(out, stride, bpp, tileX, tileY, tileW, tileH, pixel)
		return nil

	case subencoding >= 2 && subencoding <= 16: // packed palette
		paletteSize := int(subencoding)
		palette := make([][]byte, paletteSize)
		for i := range palette {
			p, err := d.readCPixel(bpp)
			if err != nil {
				return err
			}
			palette[i] = p
		}
		return d.readPackedPaletteTile(out, stride, bpp, tileX, tileY, tileW, tileH, palette)

	case subencoding == 128: // plain RLE
		return d.readPlainRLETile(out, stride, bpp, tileX, tileY, tileW, tileH)

	case subencoding >= 130: // palette RLE
		paletteSize := int(subencoding) - 128
		palette := make([][]byte, paletteSize)
		for i := range palette {
			p, err := d.readCPixel(bpp)
			if err != nil {
				return err
			}
			palette[i] = p
		}
		return d.readPaletteRLETile(out, stride, bpp, tileX, tileY, tileW, tileH, palette)

	default:
		return fmt.Errorf("rfb: zrle: unsupported tile subencoding %d", subencoding)
	}
}

func (d *zrleDecoder) readRawTile(out []byte, stride, bpp, tileX, tileY, tileW, tileH int) error {
	for y := 0; y < tileH; y++ {
		for x := 0; x < tileW; x++ {
			pixel, err := d.readCPixel(bpp)
			if err != nil {
				return err
			}
			putPixel(out, stride, bpp, tileX+x, tileY+y, pixel)
		}
	}
	return nil
}

func (d *zrleDecoder) readPackedPaletteTile(out []byte, stride, bpp, tileX, tileY, tileW, tileH int, palette [][]byte) error {
	bitsPerIndex := bitsForPaletteSize(len(palette))
	for y := 0; y < tileH; y++ {
		for x := 0; x < tileW; x++ {
			idx, err := d.br.ReadBits(bitsPerIndex)
			if err != nil {
				return err
			}
			putPixel(out, stride, bpp, tileX+x, tileY+y, palette[idx])
		}
		// Every row, including the last, realigns to a byte boundary so
		// a subsequent ReadByte (the next tile's subencoding byte) never
		// sees leftover bits.
		d.br.AlignToByte()
	}
	return nil
}

func (d *zrleDecoder) readPlainRLETile(out []byte, stride, bpp, tileX, tileY, tileW, tileH int) error {
	total := tileW * tileH
	x, y := 0, 0
	for written := 0; written < total; {
		pixel, err := d.readCPixel(bpp)
		if err != nil {
			return err
		}
		runLength, err := d.readRunLength()
		if err != nil {
			return err
		}
		for i := 0; i < runLength; i++ {
			putPixel(out, stride, bpp, tileX+x, tileY+y, pixel)
			x++
			if x == tileW {
				x = 0
				y++
			}
		}
		written += runLength
	}
	return nil
}

func (d *zrleDecoder) readPaletteRLETile(out []byte, stride, bpp, tileX, tileY, tileW, tileH int, palette [][]byte) error {
	total := tileW * tileH
	x, y := 0, 0
	for written := 0; written < total; {
		idxByte, err := d.br.ReadByte()
		if err != nil {
			return err
		}
		runLength := 1
		isRun := idxByte&0x80 != 0
		idx := int(idxByte &^ 0x80)
		if isRun {
			runLength, err = d.readRunLength()
			if err != nil {
				return err
			}
		}
		pixel := palette[idx]
		for i := 0; i < runLength; i++ {
			putPixel(out, stride, bpp, tileX+x, tileY+y, pixel)
			x++
			if x == tileW {
				x = 0
				y++
			}
		}
		written += runLength
	}
	return nil
}

// readRunLength reads a ZRLE run length: a sequence of 255-valued
// bytes (each contributing 255 to the total) terminated by a byte in
// [0,254], which contributes its own value plus 1.
func (d *zrleDecoder) readRunLength() (int, error) {
	total := 0
	for {
		b, err := d.br.ReadByte()
		if err != nil {
			return 0, err
		}
		total += int(b)
		if b != 255 {
			return total + 1, nil
		}
	}
}

// readCPixel reads one compressed pixel: for every 32-bit-per-pixel
// format it reads only 3 bytes (CPIXEL) and pads the unused high byte
// with zero; every other depth is read at full width. The true-colour
// flag, the depth and the colour masks are not checked before
// compacting.
func (d *zrleDecoder) readCPixel(bpp int) ([]byte, error) {
	n := bpp
	if bpp == 4 {
		n = 3
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.br, buf); err != nil {
		return nil, err
	}
	if bpp == 4 {
		if d.bigEndian {
			return []byte{0, buf[0], buf[1], buf[2]}, nil
		}
		return []byte{buf[0], buf[1], buf[2], 0}, nil
	}
	return buf, nil
}

func fillTile(out []byte, stride, bpp, tileX, tileY, tileW, tileH int, pixel []byte) {
	for y := 0; y < tileH; y++ {
		for x := 0; x < tileW; x++ {
			putPixel(out, stride, bpp, tileX+x, tileY+y, pixel)
		}
	}
}

func putPixel(out []byte, stride, bpp, x, y int, pixel []byte) {
	off := (y*stride + x) * bpp
	copy(out[off:off+bpp], pixel)
}

func bitsForPaletteSize(n int) int {
	switch {
	case n <= 2:
		return 1
	case n <= 4:
		return 2
	default:
		return 4
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
