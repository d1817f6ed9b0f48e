package camera

// H.264 Annex B NAL unit types
const (
	nalSlice = 1
	nalIDR   = 5
	nalSPS   = 7
)

// scanNALs reports how many picture slices start in data and whether an SPS,
// the start of a decodable sequence, does.
func scanNALs(data []byte) (pictures int, keyframe bool) {
	// start code 00 00 01 followed by the NAL header byte
	for i := 0; i+3 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			continue
		}
		switch data[i+3] & 0x1f {
		case nalSlice, nalIDR:
			pictures++
		case nalSPS:
			keyframe = true
		}
		i += 3
	}
	return pictures, keyframe
}

// HasKeyframe reports whether data contains an SPS NAL unit.
func HasKeyframe(data []byte) bool {
	_, key := scanNALs(data)
	return key
}

// lastStartCode returns the offset of the last complete start code in data,
// counting the leading zero of a four byte code, or -1 if there is none. The
// NAL unit that begins there may still be incomplete.
func lastStartCode(data []byte) int {
	for i := len(data) - 3; i >= 0; i-- {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if i > 0 && data[i-1] == 0 {
				return i - 1
			}
			return i
		}
	}
	return -1
}

// splitAtSPS cuts a run of whole NAL units in front of every SPS so that
// each keyframe begins its own piece.
func splitAtSPS(data []byte) [][]byte {
	var parts [][]byte
	from := 0
	for i := 0; i+3 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			continue
		}
		if data[i+3]&0x1f == nalSPS {
			at := i
			if at > from && data[at-1] == 0 {
				at--
			}
			if at > from {
				parts = append(parts, data[from:at])
				from = at
			}
		}
		i += 3
	}
	if from < len(data) {
		parts = append(parts, data[from:])
	}
	return parts
}
