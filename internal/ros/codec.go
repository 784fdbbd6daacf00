// Package ros implements the RouterOS API wire protocol: sentence framing,
// reply parsing, and the multiplexed session on top of them.
package ros

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Maximum accepted word length (4 MiB) to prevent allocation of absurd
// buffers on a corrupted stream.
const maxWordLen = 4 << 20

var (
	// ErrWordTooLong is returned when a word's declared length exceeds
	// the maximum allowed size.
	ErrWordTooLong = errors.New("ros: word exceeds maximum length")

	// ErrTruncated is returned when the stream ends in the middle of a
	// sentence. The connection is unusable afterwards.
	ErrTruncated = errors.New("ros: stream truncated mid-sentence")
)

// WriteSentence writes one sentence to w: each word is length-prefixed
// with the protocol's variable-length scheme, and the sentence is
// terminated by a zero-length word.
func WriteSentence(w io.Writer, words []string) error {
	for _, word := range words {
		if err := writeWord(w, word); err != nil {
			return err
		}
	}
	// zero-length terminator
	if _, err := w.Write([]byte{0}); err != nil {
		return fmt.Errorf("ros: write sentence terminator: %w", err)
	}
	return nil
}

func writeWord(w io.Writer, word string) error {
	if len(word) > maxWordLen {
		return ErrWordTooLong
	}
	if _, err := w.Write(encodeLength(len(word))); err != nil {
		return fmt.Errorf("ros: write word length: %w", err)
	}
	if _, err := io.WriteString(w, word); err != nil {
		return fmt.Errorf("ros: write word: %w", err)
	}
	return nil
}

// encodeLength produces the 1-5 byte variable-length prefix. The high
// bits of the first byte announce how many bytes follow.
func encodeLength(n int) []byte {
	l := uint32(n)
	switch {
	case l < 0x80:
		return []byte{byte(l)}
	case l < 0x4000:
		l |= 0x8000
		return []byte{byte(l >> 8), byte(l)}
	case l < 0x200000:
		l |= 0xC00000
		return []byte{byte(l >> 16), byte(l >> 8), byte(l)}
	case l < 0x10000000:
		l |= 0xE0000000
		return []byte{byte(l >> 24), byte(l >> 16), byte(l >> 8), byte(l)}
	default:
		return []byte{0xF0, byte(l >> 24), byte(l >> 16), byte(l >> 8), byte(l)}
	}
}

// ReadSentence reads one complete sentence from r, blocking until the
// zero-length terminator arrives. Returns io.EOF only on a clean close
// between sentences; a close mid-sentence yields ErrTruncated.
func ReadSentence(r *bufio.Reader) ([]string, error) {
	var words []string
	for {
		n, err := readLength(r, len(words) == 0)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return words, nil
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, truncated(err)
		}
		words = append(words, string(buf))
	}
}

// readLength decodes the variable-length word-length prefix. first marks
// the sentence boundary: EOF there is a clean close, not truncation.
func readLength(r *bufio.Reader, first bool) (int, error) {
	b, err := r.ReadByte()
	if err != nil {
		if first && errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, truncated(err)
	}

	var (
		n    uint32
		rest int
	)
	switch {
	case b&0x80 == 0:
		return int(b), nil
	case b&0xC0 == 0x80:
		n, rest = uint32(b&0x3F), 1
	case b&0xE0 == 0xC0:
		n, rest = uint32(b&0x1F), 2
	case b&0xF0 == 0xE0:
		n, rest = uint32(b&0x0F), 3
	case b == 0xF0:
		n, rest = 0, 4
	default:
		// 0xF1..0xFF are reserved control bytes
		return 0, fmt.Errorf("ros: reserved length prefix 0x%02x", b)
	}

	for i := 0; i < rest; i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, truncated(err)
		}
		n = n<<8 | uint32(c)
	}
	if n > maxWordLen {
		return 0, ErrWordTooLong
	}
	return int(n), nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
