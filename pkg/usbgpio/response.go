package usbgpio

// Minimum number of lines in a response frame.
const (
	// QueryLines is [echo][payload][prompt].
	QueryLines = 3
	// AckLines is [echo][prompt].
	AckLines = 2
)

// Payload extracts the payload of a query response.
// The payload line is the one before the prompt, it must be exactly
// '\r' payload '\n'.
func Payload(lines [][]byte) ([]byte, error) {
	if len(lines) < QueryLines {
		return nil, &FramingError{Reason: "too few lines for a query", Lines: lines}
	}
	line := lines[len(lines)-2]
	if len(line) == 0 || line[0] != '\r' {
		return nil, &FramingError{Reason: "payload line doesn't start with CR", Lines: lines}
	}
	if line[len(line)-1] != '\n' {
		return nil, &FramingError{Reason: "payload line doesn't end with LF", Lines: lines}
	}
	payload := make([]byte, len(line)-2)
	copy(payload, line[1:len(line)-1])
	return payload, nil
}

// CheckAck validates a response without payload.
func CheckAck(lines [][]byte) error {
	if len(lines) < AckLines {
		return &FramingError{Reason: "too few lines for a command", Lines: lines}
	}
	return nil
}
