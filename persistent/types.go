package persistent

// Store is the byte-addressable store keeping persisted metadata.
type Store interface {
	Size() uint64
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
	Sync() error
}
