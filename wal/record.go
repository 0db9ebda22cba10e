package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/hupe1980/strata/model"
)

// Record framing:
//
//	u32 length | u32 crc32c | u8 type | u64 txid | payload
//
// length covers type, txid and payload. The checksum covers the same bytes.
const (
	frameLen      = 8
	bodyFixedLen  = 9
	maxRecordBody = 256 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// errTornTail reports an incomplete final record.
var errTornTail = errors.New("wal: torn tail")

type record struct {
	Type    RecordType
	TxID    uint64
	Payload []byte
}

func appendRecord(dst []byte, t RecordType, txid uint64, payload []byte) []byte {
	bodyLen := bodyFixedLen + len(payload)

	start := len(dst)
	dst = append(dst, make([]byte, frameLen+bodyFixedLen)...)
	dst = append(dst, payload...)

	frame := dst[start:]
	binary.LittleEndian.PutUint32(frame[0:4], uint32(bodyLen))
	frame[8] = byte(t)
	binary.LittleEndian.PutUint64(frame[9:17], txid)
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(frame[frameLen:], castagnoli))
	return dst
}

// readRecord reads one record at off. It returns io.EOF at a clean record
// boundary and errTornTail when the file ends inside a record.
func readRecord(r *bufio.Reader, off int64) (record, int64, error) {
	var hdr [frameLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return record{}, 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return record{}, 0, errTornTail
		}
		return record{}, 0, model.Storage("wal read", err)
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint32(hdr[4:8])
	if length < bodyFixedLen || length > maxRecordBody {
		return record{}, 0, &model.CorruptionError{Offset: off, Reason: fmt.Sprintf("invalid record length %d", length)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return record{}, 0, errTornTail
		}
		return record{}, 0, model.Storage("wal read", err)
	}

	if crc32.Checksum(body, castagnoli) != sum {
		return record{}, 0, &model.CorruptionError{Offset: off, Reason: "checksum mismatch"}
	}

	t := RecordType(body[0])
	if t < RecordPrepare || t > RecordCheckpoint {
		return record{}, 0, &model.CorruptionError{Offset: off, Reason: fmt.Sprintf("unknown record type %d", body[0])}
	}

	return record{
		Type:    t,
		TxID:    binary.LittleEndian.Uint64(body[1:9]),
		Payload: body[bodyFixedLen:],
	}, int64(frameLen) + int64(length), nil
}
