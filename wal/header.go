package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/strata/model"
)

var (
	walMagic          = [4]byte{'S', 'T', 'W', '1'}
	walHeaderVersion  = uint16(1)
	walHeaderFixedLen = 16 // excludes variable codec name bytes
)

const flagCompressed = 1

type walHeaderInfo struct {
	Compressed       bool
	CompressionLevel int
	Codec            string
	HeaderLen        int64
}

func writeWALHeader(w io.Writer, info walHeaderInfo) (int64, error) {
	if len(info.Codec) > 255 {
		return 0, fmt.Errorf("codec name too long: %q", info.Codec)
	}

	var flags uint16
	level := uint8(0)
	if info.Compressed {
		flags |= flagCompressed
		level = uint8(info.CompressionLevel)
	}

	buf := make([]byte, 0, walHeaderFixedLen+len(info.Codec))
	buf = append(buf, walMagic[:]...)
	var fixed [12]byte
	binary.LittleEndian.PutUint16(fixed[0:2], walHeaderVersion)
	binary.LittleEndian.PutUint16(fixed[2:4], flags)
	fixed[4] = level
	fixed[5] = uint8(len(info.Codec))
	// fixed[6:12] reserved
	buf = append(buf, fixed[:]...)
	buf = append(buf, info.Codec...)

	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("failed to write WAL header: %w", err)
	}
	return int64(len(buf)), nil
}

// readWALHeader returns ok=false for an empty file.
func readWALHeader(f *os.File) (walHeaderInfo, bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return walHeaderInfo{}, false, fmt.Errorf("failed to seek WAL: %w", err)
	}

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return walHeaderInfo{}, false, nil
		}
		return walHeaderInfo{}, false, headerCorruption("truncated header magic", err)
	}
	if magic != walMagic {
		return walHeaderInfo{}, true, headerCorruption("invalid header magic", nil)
	}

	fixed := make([]byte, walHeaderFixedLen-4)
	if _, err := io.ReadFull(f, fixed); err != nil {
		return walHeaderInfo{}, true, headerCorruption("truncated header", err)
	}

	version := binary.LittleEndian.Uint16(fixed[0:2])
	if version != walHeaderVersion {
		return walHeaderInfo{}, true, headerCorruption(fmt.Sprintf("unsupported header version %d", version), nil)
	}
	flags := binary.LittleEndian.Uint16(fixed[2:4])

	name := make([]byte, fixed[5])
	if _, err := io.ReadFull(f, name); err != nil {
		return walHeaderInfo{}, true, headerCorruption("truncated codec name", err)
	}

	return walHeaderInfo{
		Compressed:       flags&flagCompressed != 0,
		CompressionLevel: int(fixed[4]),
		Codec:            string(name),
		HeaderLen:        int64(walHeaderFixedLen + len(name)),
	}, true, nil
}

func headerCorruption(reason string, err error) error {
	return &model.CorruptionError{Offset: 0, Reason: "wal header: " + reason, Err: err}
}
