package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sort"
)

var (
	ErrTooSmall = errors.New("sstable: file too small")
	ErrBadMagic = errors.New("sstable: invalid magic number")
)

// SSTable is an opened run. Lookups use positional reads and may run
// concurrently.
type SSTable struct {
	file         *os.File
	dataEnd      int64
	indexKeys    [][]byte
	indexOffsets []int64
}

func Open(filename string) (*SSTable, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	t, err := load(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func load(f *os.File) (*SSTable, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < footerSize+4 {
		return nil, ErrTooSmall
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, size-footerSize); err != nil {
		return nil, err
	}
	indexStart := int64(binary.LittleEndian.Uint64(footer[0:8]))
	if binary.LittleEndian.Uint64(footer[8:16]) != MagicNumber {
		return nil, ErrBadMagic
	}
	if indexStart < 0 || indexStart > size-footerSize-4 {
		return nil, ErrTooSmall
	}

	r := bufio.NewReader(io.NewSectionReader(f, indexStart, size-footerSize-indexStart))
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return nil, err
	}
	count := int(binary.LittleEndian.Uint32(buf[:4]))

	keys := make([][]byte, count)
	offsets := make([]int64, count)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return nil, err
		}
		key := make([]byte, binary.LittleEndian.Uint32(buf[:4]))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		keys[i] = key
		offsets[i] = int64(binary.LittleEndian.Uint64(buf[:]))
	}

	return &SSTable{
		file:         f,
		dataEnd:      indexStart,
		indexKeys:    keys,
		indexOffsets: offsets,
	}, nil
}

// Get returns the value stored for key.
func (t *SSTable) Get(key []byte) ([]byte, bool, error) {
	idx := sort.Search(len(t.indexKeys), func(i int) bool {
		return bytes.Compare(t.indexKeys[i], key) > 0
	})
	if idx == 0 {
		return nil, false, nil
	}

	start := t.indexOffsets[idx-1]
	r := bufio.NewReader(io.NewSectionReader(t.file, start, t.dataEnd-start))
	for {
		k, v, err := readRecord(r)
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		switch c := bytes.Compare(k, key); {
		case c == 0:
			return v, true, nil
		case c > 0:
			return nil, false, nil
		}
	}
}

// Iterate visits every record in key order until fn returns false.
func (t *SSTable) Iterate(fn func(key, val []byte) bool) error {
	r := bufio.NewReader(io.NewSectionReader(t.file, 0, t.dataEnd))
	for {
		k, v, err := readRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(k, v) {
			return nil
		}
	}
}

func (t *SSTable) Close() error {
	return t.file.Close()
}

func readRecord(r *bufio.Reader) ([]byte, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, nil, ErrTooSmall
		}
		return nil, nil, err
	}
	keyLen := binary.LittleEndian.Uint32(header[0:4])
	valLen := binary.LittleEndian.Uint32(header[4:8])
	body := make([]byte, int(keyLen)+int(valLen))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, ErrTooSmall
	}
	return body[:keyLen], body[keyLen:], nil
}
