package mesos

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxRecordSize bounds a single event frame
const maxRecordSize = 64 << 20

var errRecordTooLarge = errors.New("recordio: record exceeds size limit")

// recordReader splits a RecordIO stream ("<length>\n<bytes>") into frames
type recordReader struct {
	r *bufio.Reader
}

func newRecordReader(r io.Reader) *recordReader {
	return &recordReader{r: bufio.NewReader(r)}
}

// Next returns the next frame. It returns io.EOF at a clean frame boundary.
func (rr *recordReader) Next() ([]byte, error) {
	header, err := rr.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && header == "" {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("recordio: read header: %w", unexpected(err))
	}

	n, err := strconv.ParseUint(strings.TrimSpace(header), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("recordio: invalid length %q", strings.TrimSpace(header))
	}
	if n > maxRecordSize {
		return nil, errRecordTooLarge
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(rr.r, buf); err != nil {
		return nil, fmt.Errorf("recordio: read record: %w", unexpected(err))
	}
	return buf, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
