// internal/ble/protocol/chunk.go
package protocol

// MaxPayloadBytes is the ATT payload of a single write on the HM-10
// (23-byte default MTU minus the 3-byte ATT header).
const MaxPayloadBytes = 20

// ChunkFrame splits an outbound frame into pieces of at most maxBytes.
// It prefers splitting right after a newline so that whole lines travel in
// one write. Returns nil for an empty frame or a non-positive maxBytes.
func ChunkFrame(frame string, maxBytes int) []string {
	if len(frame) == 0 || maxBytes <= 0 {
		return nil
	}
	if len(frame) <= maxBytes {
		return []string{frame}
	}

	var chunks []string
	for len(frame) > 0 {
		if len(frame) <= maxBytes {
			chunks = append(chunks, frame)
			break
		}

		// Walk back from maxBytes looking for a line end.
		split := -1
		for i := maxBytes; i > 0; i-- {
			if frame[i-1] == '\n' {
				split = i
				break
			}
		}
		if split < 0 {
			// Line longer than one write; the peripheral reassembles
			// until it sees the terminator.
			split = maxBytes
		}
		chunks = append(chunks, frame[:split])
		frame = frame[split:]
	}
	return chunks
}
