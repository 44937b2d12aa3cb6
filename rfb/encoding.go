// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EncodingType identifies a rectangle encoding. Negative values are
// pseudo-encodings carrying protocol extensions rather than pixel data.
type EncodingType int32

// Encodings from RFC 6143 section 7.7 plus the common pseudo-encodings.
const (
	EncodingRaw      EncodingType = 0
	EncodingCopyRect EncodingType = 1
	EncodingRRE      EncodingType = 2
	EncodingHextile  EncodingType = 5
	EncodingZRLE     EncodingType = 16

	EncodingCursorPseudo      EncodingType = -239
	EncodingDesktopSizePseudo EncodingType = -223
)

// String returns a human-readable encoding name.
func (e EncodingType) String() string {
	switch e {
	case EncodingRaw:
		return "Raw"
	case EncodingCopyRect:
		return "CopyRect"
	case EncodingRRE:
		return "RRE"
	case EncodingHextile:
		return "Hextile"
	case EncodingZRLE:
		return "ZRLE"
	case EncodingCursorPseudo:
		return "Cursor (pseudo)"
	case EncodingDesktopSizePseudo:
		return "DesktopSize (pseudo)"
	default:
		return fmt.Sprintf("Unknown (%d)", int32(e))
	}
}

// DefaultEncodings is the set announced by SetEncodings after a handshake,
// in preference order.
var DefaultEncodings = []EncodingType{
	EncodingZRLE,
	EncodingHextile,
	EncodingRRE,
	EncodingCopyRect,
	EncodingRaw,
	EncodingDesktopSizePseudo,
	EncodingCursorPseudo,
}

// Hextile sub-encoding bits and tile geometry from RFC 6143 section 7.7.4.
const (
	hextileRaw                 = 1
	hextileBackgroundSpecified = 2
	hextileForegroundSpecified = 4
	hextileAnySubrects         = 8
	hextileSubrectsColoured    = 16

	hextileTileSize = 16
)

// maxRRESubrectangles bounds RRE payload sizing against hostile counts.
const maxRRESubrectangles = 1 << 20

// readEncodingPayload consumes exactly the bytes of one rectangle payload
// for the given encoding and returns them verbatim. The payload is treated
// as opaque framebuffer data; only as much structure is parsed as the
// encoding needs to delimit itself on the wire.
func readEncodingPayload(r io.Reader, encoding EncodingType, width, height uint16, format *PixelFormat) ([]byte, error) {
	pixelBytes := format.BytesPerPixel()

	switch encoding {
	case EncodingRaw:
		return readExact(r, int(width)*int(height)*pixelBytes, "raw pixel data")

	case EncodingCopyRect:
		// Source X and Y positions only.
		return readExact(r, 4, "copyrect source position")

	case EncodingRRE:
		return readRREPayload(r, pixelBytes)

	case EncodingHextile:
		return readHextilePayload(r, width, height, pixelBytes)

	case EncodingZRLE:
		return readZRLEPayload(r)

	case EncodingCursorPseudo:
		// Cursor pixels plus a 1-bit-per-pixel bitmask padded to byte rows.
		maskRowBytes := (int(width) + 7) / 8
		size := int(width)*int(height)*pixelBytes + maskRowBytes*int(height)
		return readExact(r, size, "cursor data")

	case EncodingDesktopSizePseudo:
		// Geometry travels in the rectangle header; no payload.
		return nil, nil

	default:
		return nil, protocolError("readEncodingPayload",
			fmt.Sprintf("unknown encoding type: %s", encoding), nil)
	}
}

// readRREPayload sizes an RRE rectangle: a 4-byte subrectangle count and
// background pixel, then one pixel plus 8 bytes of geometry per subrectangle.
func readRREPayload(r io.Reader, pixelBytes int) ([]byte, error) {
	header, err := readExact(r, 4+pixelBytes, "rre header")
	if err != nil {
		return nil, err
	}

	count := binary.BigEndian.Uint32(header[:4])
	if count > maxRRESubrectangles {
		return nil, protocolError("readRREPayload", "too many rre subrectangles", nil)
	}

	body, err := readExact(r, int(count)*(pixelBytes+8), "rre subrectangles")
	if err != nil {
		return nil, err
	}

	return append(header, body...), nil
}

// readZRLEPayload sizes a ZRLE rectangle by its explicit length prefix. The
// prefix stays in the returned payload so it survives round trips intact.
func readZRLEPayload(r io.Reader) ([]byte, error) {
	header, err := readExact(r, 4, "zrle length")
	if err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if err := newInputValidator().ValidateMessageLength(length, maxPayloadLength); err != nil {
		return nil, protocolError("readZRLEPayload", "invalid zrle payload length", err)
	}

	body, err := readExact(r, int(length), "zrle data")
	if err != nil {
		return nil, err
	}

	return append(header, body...), nil
}

// readHextilePayload walks the 16x16 tile grid of a Hextile rectangle,
// parsing each tile's sub-encoding byte to find where the rectangle ends.
// All bytes read during the walk are captured and returned unmodified.
func readHextilePayload(r io.Reader, width, height uint16, pixelBytes int) ([]byte, error) {
	var captured bytes.Buffer
	tee := io.TeeReader(r, &captured)

	tilesX := (int(width) + hextileTileSize - 1) / hextileTileSize
	tilesY := (int(height) + hextileTileSize - 1) / hextileTileSize

	for tileY := 0; tileY < tilesY; tileY++ {
		for tileX := 0; tileX < tilesX; tileX++ {
			tileWidth := hextileTileSize
			tileHeight := hextileTileSize
			if tileX*hextileTileSize+hextileTileSize > int(width) {
				tileWidth = int(width) - tileX*hextileTileSize
			}
			if tileY*hextileTileSize+hextileTileSize > int(height) {
				tileHeight = int(height) - tileY*hextileTileSize
			}

			var subencoding uint8
			if err := binary.Read(tee, binary.BigEndian, &subencoding); err != nil {
				return nil, connectionError("readHextilePayload", "failed to read tile subencoding", err)
			}

			if subencoding&hextileRaw != 0 {
				if err := skipExact(tee, tileWidth*tileHeight*pixelBytes); err != nil {
					return nil, connectionError("readHextilePayload", "failed to read raw tile", err)
				}
				continue
			}

			if subencoding&hextileBackgroundSpecified != 0 {
				if err := skipExact(tee, pixelBytes); err != nil {
					return nil, connectionError("readHextilePayload", "failed to read background color", err)
				}
			}
			if subencoding&hextileForegroundSpecified != 0 {
				if err := skipExact(tee, pixelBytes); err != nil {
					return nil, connectionError("readHextilePayload", "failed to read foreground color", err)
				}
			}

			if subencoding&hextileAnySubrects != 0 {
				var numSubrects uint8
				if err := binary.Read(tee, binary.BigEndian, &numSubrects); err != nil {
					return nil, connectionError("readHextilePayload", "failed to read subrectangle count", err)
				}

				subrectBytes := 2
				if subencoding&hextileSubrectsColoured != 0 {
					subrectBytes += pixelBytes
				}

				if err := skipExact(tee, int(numSubrects)*subrectBytes); err != nil {
					return nil, connectionError("readHextilePayload", "failed to read subrectangles", err)
				}
			}
		}
	}

	return captured.Bytes(), nil
}

func readExact(r io.Reader, size int, what string) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, connectionError("readExact", "failed to read "+what, err)
	}
	return buf, nil
}

func skipExact(r io.Reader, size int) error {
	_, err := io.CopyN(io.Discard, r, int64(size))
	return err
}
