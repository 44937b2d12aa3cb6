// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import (
	"fmt"
	"io"
)

// PixelFormat describes how pixel color data is encoded and interpreted on
// an RFB connection. It has a fixed 16-byte wire representation.
type PixelFormat struct {
	// BPP (bits-per-pixel) specifies how many bits are used to represent each pixel.
	BPP uint8

	// Depth specifies the number of useful bits within each pixel value.
	Depth uint8

	// BigEndian determines the byte order for multi-byte pixel values.
	BigEndian bool

	// TrueColor determines whether pixels represent direct RGB values (true)
	// or indices into a color map (false).
	TrueColor bool

	// RedMax specifies the maximum value for the red color component.
	RedMax uint16

	// GreenMax specifies the maximum value for the green color component.
	GreenMax uint16

	// BlueMax specifies the maximum value for the blue color component.
	BlueMax uint16

	// RedShift specifies how many bits to right-shift a pixel value
	// to position the red color component at the least significant bits.
	RedShift uint8

	// GreenShift specifies how many bits to right-shift a pixel value
	// to position the green color component at the least significant bits.
	GreenShift uint8

	// BlueShift specifies how many bits to right-shift a pixel value
	// to position the blue color component at the least significant bits.
	BlueShift uint8
}

// pixelFormatLen is the wire size of a pixel format structure.
const pixelFormatLen = 16

// ReadPixelFormat reads the 16-byte pixel format structure from the wire.
// All fields are consumed regardless of the true-color flag so that the
// reader always advances exactly 16 bytes.
func ReadPixelFormat(r io.Reader, result *PixelFormat) error {
	var raw [pixelFormatLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return connectionError("ReadPixelFormat", "failed to read pixel format data", err)
	}

	result.BPP = raw[0]
	result.Depth = raw[1]
	result.BigEndian = raw[2] != 0
	result.TrueColor = raw[3] != 0
	result.RedMax = uint16(raw[4])<<8 | uint16(raw[5])
	result.GreenMax = uint16(raw[6])<<8 | uint16(raw[7])
	result.BlueMax = uint16(raw[8])<<8 | uint16(raw[9])
	result.RedShift = raw[10]
	result.GreenShift = raw[11]
	result.BlueShift = raw[12]
	// raw[13:16] is padding.

	return nil
}

// WritePixelFormat converts a PixelFormat to its 16-byte wire representation.
// Every field is encoded regardless of the true-color flag so that
// encode/decode round-trips exactly.
func WritePixelFormat(format *PixelFormat) []byte {
	raw := make([]byte, pixelFormatLen)

	raw[0] = format.BPP
	raw[1] = format.Depth
	if format.BigEndian {
		raw[2] = 1
	}
	if format.TrueColor {
		raw[3] = 1
	}
	raw[4] = byte(format.RedMax >> 8)
	raw[5] = byte(format.RedMax)
	raw[6] = byte(format.GreenMax >> 8)
	raw[7] = byte(format.GreenMax)
	raw[8] = byte(format.BlueMax >> 8)
	raw[9] = byte(format.BlueMax)
	raw[10] = format.RedShift
	raw[11] = format.GreenShift
	raw[12] = format.BlueShift

	return raw
}

// BytesPerPixel returns the wire size of one pixel in this format.
func (pf *PixelFormat) BytesPerPixel() int {
	return int(pf.BPP) / 8
}

// PixelFormatValidationError represents a pixel format validation error with
// detailed context.
type PixelFormatValidationError struct {
	Field   string
	Value   interface{}
	Rule    string
	Message string
}

// Error returns the formatted error message for pixel format validation errors.
func (e *PixelFormatValidationError) Error() string {
	return fmt.Sprintf("pixel format validation failed for field %s: %s (value: %v)",
		e.Field, e.Message, e.Value)
}

// Validate performs validation of a pixel format according to RFC 6143.
// It checks all fields for consistency and validity, returning detailed
// error information if any validation rules are violated.
func (pf *PixelFormat) Validate() error {
	if pf.BPP != 8 && pf.BPP != 16 && pf.BPP != 32 {
		return &PixelFormatValidationError{
			Field:   "BPP",
			Value:   pf.BPP,
			Rule:    "BPP must be 8, 16, or 32",
			Message: "bits per pixel must be 8, 16, or 32",
		}
	}

	if pf.Depth == 0 {
		return &PixelFormatValidationError{
			Field:   "Depth",
			Value:   pf.Depth,
			Rule:    "Depth must be greater than 0",
			Message: "color depth cannot be zero",
		}
	}

	if pf.Depth > pf.BPP {
		return &PixelFormatValidationError{
			Field:   "Depth",
			Value:   pf.Depth,
			Rule:    "Depth cannot exceed BPP",
			Message: fmt.Sprintf("color depth (%d) cannot exceed bits per pixel (%d)", pf.Depth, pf.BPP),
		}
	}

	if pf.TrueColor {
		if pf.RedMax == 0 && pf.GreenMax == 0 && pf.BlueMax == 0 {
			return &PixelFormatValidationError{
				Field:   "ColorMax",
				Value:   fmt.Sprintf("R:%d G:%d B:%d", pf.RedMax, pf.GreenMax, pf.BlueMax),
				Rule:    "At least one color component must have non-zero maximum in TrueColor mode",
				Message: "all color maximums cannot be zero in true color mode",
			}
		}

		maxShift := pf.BPP - 1
		if pf.RedShift > maxShift {
			return &PixelFormatValidationError{
				Field:   "RedShift",
				Value:   pf.RedShift,
				Rule:    fmt.Sprintf("RedShift cannot exceed %d for %d-bit pixels", maxShift, pf.BPP),
				Message: fmt.Sprintf("red shift (%d) exceeds maximum for %d-bit pixels", pf.RedShift, pf.BPP),
			}
		}
		if pf.GreenShift > maxShift {
			return &PixelFormatValidationError{
				Field:   "GreenShift",
				Value:   pf.GreenShift,
				Rule:    fmt.Sprintf("GreenShift cannot exceed %d for %d-bit pixels", maxShift, pf.BPP),
				Message: fmt.Sprintf("green shift (%d) exceeds maximum for %d-bit pixels", pf.GreenShift, pf.BPP),
			}
		}
		if pf.BlueShift > maxShift {
			return &PixelFormatValidationError{
				Field:   "BlueShift",
				Value:   pf.BlueShift,
				Rule:    fmt.Sprintf("BlueShift cannot exceed %d for %d-bit pixels", maxShift, pf.BPP),
				Message: fmt.Sprintf("blue shift (%d) exceeds maximum for %d-bit pixels", pf.BlueShift, pf.BPP),
			}
		}
	}

	return nil
}

// Common pixel format presets for easy configuration.
var (
	// PixelFormat32BitRGBA represents high-quality 32-bit RGBA true color format.
	PixelFormat32BitRGBA = &PixelFormat{
		BPP:        32,
		Depth:      24,
		BigEndian:  false,
		TrueColor:  true,
		RedMax:     255,
		GreenMax:   255,
		BlueMax:    255,
		RedShift:   16,
		GreenShift: 8,
		BlueShift:  0,
	}

	// PixelFormat16BitRGB565 represents balanced 16-bit RGB565 true color format.
	PixelFormat16BitRGB565 = &PixelFormat{
		BPP:        16,
		Depth:      16,
		BigEndian:  false,
		TrueColor:  true,
		RedMax:     31,
		GreenMax:   63,
		BlueMax:    31,
		RedShift:   11,
		GreenShift: 5,
		BlueShift:  0,
	}

	// PixelFormat8BitIndexed represents bandwidth-efficient 8-bit indexed color format.
	PixelFormat8BitIndexed = &PixelFormat{
		BPP:       8,
		Depth:     8,
		BigEndian: false,
		TrueColor: false,
	}
)
