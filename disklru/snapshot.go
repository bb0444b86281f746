package disklru

import "io"

// Snapshot gives read access to the committed values of one entry as of
// the moment it was taken. A later edit or eviction of the entry does
// not disturb open readers.
type Snapshot struct {
	key     string
	readers []io.ReadCloser
	lengths []int64
}

// Key returns the entry key the snapshot belongs to.
func (sn *Snapshot) Key() string {
	return sn.key
}

// Reader returns the reader over the value at index.
func (sn *Snapshot) Reader(index int) io.ReadCloser {
	return sn.readers[index]
}

// Length returns the committed byte length of the value at index.
func (sn *Snapshot) Length(index int) int64 {
	return sn.lengths[index]
}

// Close closes all of the snapshot's readers.
func (sn *Snapshot) Close() {
	for _, reader := range sn.readers {
		reader.Close()
	}
}
