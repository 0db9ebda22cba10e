package backup

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/strata/model"
)

// maxRecordField bounds a single key or value on read.
const maxRecordField = 1 << 30

// recordWriter appends length-prefixed key-value records to w.
type recordWriter struct {
	w       io.Writer
	scratch []byte
	records int64
	bytes   int64
}

func (rw *recordWriter) write(key, value []byte) error {
	rw.scratch = binary.AppendUvarint(rw.scratch[:0], uint64(len(key)))
	rw.scratch = append(rw.scratch, key...)
	rw.scratch = binary.AppendUvarint(rw.scratch, uint64(len(value)))
	rw.scratch = append(rw.scratch, value...)
	if _, err := rw.w.Write(rw.scratch); err != nil {
		return err
	}
	rw.records++
	rw.bytes += int64(len(key) + len(value))
	return nil
}

// recordReader reads records written by recordWriter.
type recordReader struct {
	r       *bufio.Reader
	records int64
}

func newRecordReader(r io.Reader) *recordReader {
	return &recordReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// next returns io.EOF at a clean record boundary. A stream that ends inside
// a record is corrupt.
func (rr *recordReader) next() (key, value []byte, err error) {
	key, err = rr.field(true)
	if err != nil {
		return nil, nil, err
	}
	value, err = rr.field(false)
	if err != nil {
		return nil, nil, err
	}
	rr.records++
	return key, value, nil
}

func (rr *recordReader) field(first bool) ([]byte, error) {
	n, err := binary.ReadUvarint(rr.r)
	if err != nil {
		if first && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, rr.corrupt("length", err)
	}
	if n > maxRecordField {
		return nil, rr.corrupt(fmt.Sprintf("field of %d bytes", n), nil)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rr.r, buf); err != nil {
		return nil, rr.corrupt("field", err)
	}
	return buf, nil
}

func (rr *recordReader) corrupt(what string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("backup record %d: %s", rr.records, what), Err: err}
}

// countingWriter counts bytes passed through to w.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
