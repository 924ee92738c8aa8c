package metaclient

// Op holds the options of a single KV request.
type Op struct {
	isOptsWithPrefix bool
	limit            int64
}

// OpOption configures Op.
type OpOption func(*Op)

// WithPrefix enables 'Get' or 'Delete' requests to operate
// on the keys with matching prefix.
func WithPrefix() OpOption {
	return func(op *Op) { op.isOptsWithPrefix = true }
}

// WithLimit limits the number of results returned by 'Get'.
// A limit of zero means no limit.
func WithLimit(limit int64) OpOption {
	return func(op *Op) { op.limit = limit }
}

// IsOptsWithPrefix returns whether WithPrefix was applied.
func (op Op) IsOptsWithPrefix() bool { return op.isOptsWithPrefix }

// Limit returns the limit applied by WithLimit.
func (op Op) Limit() int64 { return op.limit }

// NewOp applies opts to an empty Op.
func NewOp(opts ...OpOption) Op {
	var op Op
	for _, opt := range opts {
		opt(&op)
	}
	return op
}
