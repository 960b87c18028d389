// Package sstable writes and reads immutable sorted runs of byte keys with
// a sparse index at the tail.
//
// Layout:
//
//	[keyLen 4B][valLen 4B][key][val] ...   records, keys strictly ascending
//	[count 4B] ([keyLen 4B][key][offset 8B]) x count   sparse index
//	[indexStart 8B][magic 8B]              footer
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"os"
)

const (
	MagicNumber = 0x42554C4B49445801
	IndexRate   = 64
	footerSize  = 16
	headerSize  = 8
)

var ErrUnsorted = errors.New("sstable: keys must be added in ascending order")

type Builder struct {
	file         *os.File
	writer       *bufio.Writer
	sync         bool
	offset       int64
	count        int
	last         []byte
	indexKeys    [][]byte
	indexOffsets []int64
}

// NewBuilder creates filename. With sync set, Close fsyncs the file.
func NewBuilder(filename string, sync bool) (*Builder, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return &Builder{
		file:   f,
		writer: bufio.NewWriter(f),
		sync:   sync,
	}, nil
}

// Add appends a record. key must sort strictly after the previous one.
func (b *Builder) Add(key, val []byte) error {
	if b.count > 0 && bytes.Compare(key, b.last) <= 0 {
		return ErrUnsorted
	}
	if b.count%IndexRate == 0 {
		b.indexKeys = append(b.indexKeys, append([]byte(nil), key...))
		b.indexOffsets = append(b.indexOffsets, b.offset)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(val)))
	if _, err := b.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := b.writer.Write(key); err != nil {
		return err
	}
	if _, err := b.writer.Write(val); err != nil {
		return err
	}

	b.offset += headerSize + int64(len(key)) + int64(len(val))
	b.last = append(b.last[:0], key...)
	b.count++
	return nil
}

func (b *Builder) Count() int { return b.count }

// Last returns the most recently added key, nil before the first Add.
func (b *Builder) Last() []byte {
	if b.count == 0 {
		return nil
	}
	return b.last
}

// Close writes the sparse index and footer.
func (b *Builder) Close() error {
	indexStart := b.offset

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(b.indexKeys)))
	if _, err := b.writer.Write(buf[:4]); err != nil {
		return b.fail(err)
	}
	for i, key := range b.indexKeys {
		binary.LittleEndian.PutUint32(buf[:4], uint32(len(key)))
		if _, err := b.writer.Write(buf[:4]); err != nil {
			return b.fail(err)
		}
		if _, err := b.writer.Write(key); err != nil {
			return b.fail(err)
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(b.indexOffsets[i]))
		if _, err := b.writer.Write(buf[:]); err != nil {
			return b.fail(err)
		}
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(indexStart))
	binary.LittleEndian.PutUint64(footer[8:16], MagicNumber)
	if _, err := b.writer.Write(footer[:]); err != nil {
		return b.fail(err)
	}

	if err := b.writer.Flush(); err != nil {
		return b.fail(err)
	}
	if b.sync {
		if err := b.file.Sync(); err != nil {
			return b.fail(err)
		}
	}
	return b.file.Close()
}

func (b *Builder) fail(err error) error {
	b.file.Close()
	return err
}
