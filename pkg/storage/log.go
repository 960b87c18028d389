package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"bulkindex/pkg/core/structure"
	"bulkindex/pkg/idset"
	"bulkindex/pkg/index"
)

// [CRC32 4B] [IndexID 4B] [KeySize 4B] [ValSize 4B] [Key NB] [Value MB]

const (
	HeaderSize = 4 + 4 + 4 + 4 // 16 Bytes

	filterCapacity = 1 << 20
	filterFPRate   = 0.01
)

var errCorruptRecord = errors.New("log: corrupted record")

// LogStore appends every write as a framed record and folds the records for
// a key together on read. It suits imports whose output is replayed later
// rather than queried during the run.
//
// A bloom filter over (index, key) lets Read skip the replay for keys that
// were never written. It is rebuilt on open; when the existing log cannot
// be scanned cleanly the filter stays off and every Read replays.
type LogStore struct {
	bindings
	file       *os.File
	mu         sync.Mutex
	buf        *bufio.Writer
	syncWrites bool
	filter     *structure.BloomFilter
}

func OpenLogStore(dir string, syncWrites bool) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "index.log"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	l := &LogStore{
		bindings:   newBindings(),
		file:       f,
		buf:        bufio.NewWriter(f),
		syncWrites: syncWrites,
	}
	l.filter = loadFilter(f.Name())
	return l, nil
}

func loadFilter(path string) *structure.BloomFilter {
	it, err := newLogIterator(path)
	if err != nil {
		return nil
	}
	defer it.Close()
	filter := structure.NewBloomFilter(filterCapacity, filterFPRate)
	for {
		id, key, _, err := it.Next()
		if err == io.EOF {
			return filter
		}
		if err != nil {
			return nil
		}
		filter.Add(indexKey(id, key))
	}
}

func (l *LogStore) Bind(ix *index.Index) error {
	l.add(ix)
	return nil
}

func (l *LogStore) Write(ix *index.Index, key []byte, ids *idset.IDSet) error {
	if err := l.check(ix); err != nil {
		return err
	}
	value, err := encodeValue(ids)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[4:8], uint32(ix.ID()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(key)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(value)))

	checksum := crc32.NewIEEE()
	checksum.Write(header[4:])
	checksum.Write(key)
	checksum.Write(value)
	binary.LittleEndian.PutUint32(header[0:4], checksum.Sum32())

	if _, err := l.buf.Write(header); err != nil {
		return err
	}
	if _, err := l.buf.Write(key); err != nil {
		return err
	}
	if _, err := l.buf.Write(value); err != nil {
		return err
	}
	if l.filter != nil {
		l.filter.Add(indexKey(ix.ID(), key))
	}
	if !l.syncWrites {
		return nil
	}
	if err := l.buf.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *LogStore) Read(ix *index.Index, key []byte) (*idset.IDSet, bool, error) {
	if err := l.check(ix); err != nil {
		return nil, false, err
	}
	if l.filter != nil && !l.filter.MayContain(indexKey(ix.ID(), key)) {
		return nil, false, nil
	}
	var merged *idset.IDSet
	err := l.Replay(func(id index.ID, k []byte, ids *idset.IDSet) error {
		if id != ix.ID() || string(k) != string(key) {
			return nil
		}
		if merged == nil {
			merged = ids
			return nil
		}
		merged.Merge(ids, ix.EntryLimit())
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return merged, merged != nil, nil
}

// Replay calls fn for every record in append order.
func (l *LogStore) Replay(fn func(id index.ID, key []byte, ids *idset.IDSet) error) error {
	l.mu.Lock()
	err := l.buf.Flush()
	name := l.file.Name()
	l.mu.Unlock()
	if err != nil {
		return err
	}

	it, err := newLogIterator(name)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		id, key, value, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		ids, err := decodeValue(value)
		if err != nil {
			return err
		}
		if err := fn(id, key, ids); err != nil {
			return err
		}
	}
}

func (l *LogStore) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.buf.Flush(); err != nil {
		return 0, err
	}
	st, err := l.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (l *LogStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.buf.Flush(); err != nil {
		l.file.Close()
		return err
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

type logIterator struct {
	reader *bufio.Reader
	file   *os.File
}

func newLogIterator(path string) (*logIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &logIterator{
		file:   f,
		reader: bufio.NewReader(f),
	}, nil
}

func (it *logIterator) Next() (index.ID, []byte, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(it.reader, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, nil, errCorruptRecord
		}
		return 0, nil, nil, err
	}

	storedCRC := binary.LittleEndian.Uint32(header[0:4])
	id := index.ID(binary.LittleEndian.Uint32(header[4:8]))
	keySize := binary.LittleEndian.Uint32(header[8:12])
	valSize := binary.LittleEndian.Uint32(header[12:16])

	body := make([]byte, keySize+valSize)
	if _, err := io.ReadFull(it.reader, body); err != nil {
		return 0, nil, nil, errCorruptRecord
	}

	checksum := crc32.NewIEEE()
	checksum.Write(header[4:])
	checksum.Write(body)
	if checksum.Sum32() != storedCRC {
		return 0, nil, nil, errors.New("log: crc mismatch")
	}

	return id, body[:keySize], body[keySize:], nil
}

func (it *logIterator) Close() {
	it.file.Close()
}
