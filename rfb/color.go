// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

// ColorMapSize is the number of entries in an indexed-color map.
const ColorMapSize = 256

// Color represents one entry of a color map. Components are 16-bit values
// as transmitted by SetColourMapEntries.
type Color struct {
	R, G, B uint16
}
