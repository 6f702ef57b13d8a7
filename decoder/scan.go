package decoder

// scanNALUnits is a bufio.SplitFunc yielding NAL units from an Annex-B
// stream with start codes stripped. A zero byte directly before "00 00 01"
// is treated as part of a 4-byte start code.
func scanNALUnits(data []byte, atEOF bool) (advance int, token []byte, err error) {
	codeLen := leadingStartCode(data)
	if codeLen == 0 {
		// Not positioned on a start code: resync to the next one.
		if idx := indexStartCode(data, 0); idx > 0 {
			return idx, nil, nil
		}
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a tail that could be the head of a split start code.
		if len(data) > 3 {
			return len(data) - 3, nil, nil
		}
		return 0, nil, nil
	}

	if next := indexStartCode(data, codeLen); next >= 0 {
		return next, data[codeLen:next], nil
	}
	if atEOF {
		return len(data), data[codeLen:], nil
	}
	return 0, nil, nil
}

// leadingStartCode returns the length of the start code at position 0, or 0.
func leadingStartCode(data []byte) int {
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return 3
	}
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return 4
	}
	return 0
}

// indexStartCode returns the position where the next start code begins at or
// after from, or -1.
func indexStartCode(data []byte, from int) int {
	for i := from; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if i > from && data[i-1] == 0 {
				return i - 1
			}
			return i
		}
	}
	return -1
}
