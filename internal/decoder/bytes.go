package decoder

import (
	"errors"
	"io"
)

// ReadBytes reads exactly n bytes from r. It returns io.EOF when r ended before the first byte
// and io.ErrUnexpectedEOF when it ended part way.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	buff := make([]byte, n)
	readed := 0
	for readed < n {
		m, err := r.Read(buff[readed:])
		readed += m
		if err == nil {
			continue
		}
		if readed == n {
			break
		}
		if errors.Is(err, io.EOF) && readed > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return buff, nil
}
