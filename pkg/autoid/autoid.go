package autoid

import (
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// SystemIDBit is set on every id derived by SystemID, so that derived ids
// never collide with ids handed out to user operators.
const SystemIDBit = uint64(1) << 63

// IDAllocator hands out increasing ids within a namespace. The namespace
// occupies the high 32 bits.
type IDAllocator struct {
	sync.Mutex
	internalID uint64
	namespace  uint64
}

// NewIDAllocator creates an allocator for the given namespace.
func NewIDAllocator(namespace uint64) *IDAllocator {
	return &IDAllocator{
		namespace: namespace << 32,
	}
}

// AllocID returns the next id.
func (a *IDAllocator) AllocID() uint64 {
	a.Lock()
	defer a.Unlock()
	a.internalID++
	return a.internalID + a.namespace
}

// Clone returns an allocator that continues from the same position.
func (a *IDAllocator) Clone() *IDAllocator {
	a.Lock()
	defer a.Unlock()
	return &IDAllocator{
		internalID: a.internalID,
		namespace:  a.namespace,
	}
}

// SystemID derives a stable id from the given parts. Placing the same
// plan twice yields the same ids.
func SystemID(kind string, parts ...uint64) uint64 {
	var b strings.Builder
	b.WriteString(kind)
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(strconv.FormatUint(p, 10))
	}
	return xxhash.Sum64String(b.String()) | SystemIDBit
}

// IsSystemID reports whether id was produced by SystemID.
func IsSystemID(id uint64) bool {
	return id&SystemIDBit != 0
}

type UUIDAllocator struct{}

func NewUUIDAllocator() *UUIDAllocator {
	return new(UUIDAllocator)
}

func (a *UUIDAllocator) AllocID() string {
	return uuid.New().String()
}
