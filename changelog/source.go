package changelog

import "context"

// Source is one MDT's changelog stream
type Source interface {
	// Receive returns up to limit entries with index >= fromSeq, in index order
	Receive(ctx context.Context, fromSeq uint64, limit int) ([]Entry, error)
	// Clear releases every entry up to and including throughSeq
	Clear(ctx context.Context, throughSeq uint64) error
	// Close releases any resources held by the source
	Close() error
}

// PathLookup resolves a FID to its current absolute path
type PathLookup interface {
	FidToPath(ctx context.Context, fid FID) (string, error)
}
