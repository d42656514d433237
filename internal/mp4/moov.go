// Package mp4 implements the narrow slice of the ISO-BMFF (MP4) container
// format needed to answer one question: is the moov atom near the start
// of the file (fast-start) or does it trail the mdat payload at the end.
package mp4

import "encoding/binary"

// MoovPosition is the outcome of scanning a file's leading bytes for its
// top-level atom layout.
type MoovPosition int

const (
	MoovUnknown MoovPosition = iota
	MoovAtStart
	MoovAtEnd
)

const atomHeaderSize = 8 // 4-byte size + 4-byte fourcc

// DetectMoovPosition parses the leading bytes of an MP4 file as a sequence
// of top-level atom headers (big-endian uint32 size, 4-char type), stepping
// by each atom's declared size starting at offset 0. The first top-level
// atom other than ftyp and the free/skip/wide padding atoms decides the
// outcome: moov means fast-start, mdat (or any
// other content atom) means the moov trails the data. Insufficient data
// to reach a decision defaults to MoovAtEnd.
func DetectMoovPosition(leading []byte) MoovPosition {
	var offset int

	for {
		if offset+atomHeaderSize > len(leading) {
			return MoovAtEnd
		}

		size := binary.BigEndian.Uint32(leading[offset : offset+4])
		kind := string(leading[offset+4 : offset+8])

		if size < atomHeaderSize {
			// A zero/too-small size is either "extends to EOF" (size==0,
			// only legal on the last atom) or malformed input; either way
			// we cannot safely step past it.
			return MoovAtEnd
		}

		switch kind {
		case "ftyp", "free", "skip", "wide":
			// Not content-bearing; keep scanning.
			offset += int(size)
			continue
		case "moov":
			return MoovAtStart
		default:
			// mdat, or any other box appearing before moov, means playback
			// cannot begin until the tail has been fetched.
			return MoovAtEnd
		}
	}
}
