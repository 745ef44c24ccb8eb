package store

import "context"

// Reader is the read side used by change detection and queries.
type Reader interface {
	FileRecord(ctx context.Context, path string) (*FileRecord, error)
	FileRecords(ctx context.Context) (map[string]*FileRecord, error)
	Dependents(ctx context.Context, paths []string) ([]string, error)
	Dependencies(ctx context.Context, path string) ([]string, error)
	DependencyEdges(ctx context.Context, path string) ([]DependencyEdge, error)
	SymbolByUSR(ctx context.Context, usr string) (*Symbol, error)
	SymbolsByFile(ctx context.Context, path string) ([]*Symbol, error)
	SearchByName(ctx context.Context, p Pattern, kinds []Kind, fn func(*Symbol) bool) error
	CallSites(ctx context.Context, usr string, d Direction, fn func(CallSite) bool) error
	GetMetadata(ctx context.Context, key string) (string, error)
}

// Writer is the single-writer side used by the merge step.
type Writer interface {
	ReplaceFileFacts(ctx context.Context, ff *FileFacts) error
	DeleteFile(ctx context.Context, path string) error
	RecordFailure(ctx context.Context, path, msg string) error
	SetMetadata(ctx context.Context, key, value string) error
	DeleteMetadata(ctx context.Context, key string) error
}

// Compile-time checks: *Store satisfies Reader and Writer.
var (
	_ Reader = (*Store)(nil)
	_ Writer = (*Store)(nil)
)
