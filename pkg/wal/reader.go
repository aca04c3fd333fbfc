package wal

import (
	"io"
	"os"
)

// Reader reads records sequentially across a sequence of segment files,
// skipping each segment's header and tolerating a torn tail on the last
// segment (the expected shape of an unclean shutdown).
type Reader struct {
	files   []string
	current int
	fd      *os.File
}

// NewReader creates a reader over segment files, oldest first.
func NewReader(files []string) *Reader {
	return &Reader{files: files, current: -1}
}

// Open opens the first segment file.
func (r *Reader) Open() error {
	if len(r.files) == 0 {
		return ErrLogNotFound
	}
	r.current = 0
	return r.openCurrent()
}

func (r *Reader) openCurrent() error {
	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}
	if _, err := fd.Seek(segmentHeaderSize, io.SeekStart); err != nil {
		fd.Close()
		return err
	}
	r.fd = fd
	return nil
}

// Next returns the next record, crossing segment boundaries transparently.
// A truncated or corrupted trailing record ends iteration with io.EOF
// rather than an error, since that is the normal shape of the last record
// written before a crash.
func (r *Reader) Next() (Record, error) {
	for {
		if r.fd == nil {
			return Record{}, io.EOF
		}
		rec, err := readRecord(r.fd)
		if err == nil {
			return rec, nil
		}
		if err == io.EOF {
			if nerr := r.nextFile(); nerr != nil {
				return Record{}, io.EOF
			}
			continue
		}
		if err == ErrTruncated || err == ErrCorrupted {
			if r.current == len(r.files)-1 {
				// Expected shape of an unclean shutdown: the last write
				// before the crash never finished. Stop cleanly here.
				return Record{}, io.EOF
			}
			// Corruption in a segment that isn't the last one means an
			// already-synced record was damaged on disk, not a torn
			// write — that is a hard error for the caller to classify.
			return Record{}, err
		}
		return Record{}, err
	}
}

func (r *Reader) nextFile() error {
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}
	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}
	return r.openCurrent()
}

// Close closes the reader's currently open segment file.
func (r *Reader) Close() error {
	if r.fd != nil {
		return r.fd.Close()
	}
	return nil
}

// ReadAll reads every record from every file, stopping cleanly at the
// first torn or corrupted record.
func ReadAll(files []string) ([]Record, error) {
	r := NewReader(files)
	if err := r.Open(); err != nil {
		if err == ErrLogNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer r.Close()

	var records []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
