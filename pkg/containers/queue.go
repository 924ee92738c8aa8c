package containers

// Queue is a FIFO queue safe for concurrent use. Drain empties it in one
// step so that a closing consumer can resolve everything left behind.
type Queue[T any] interface {
	Add(elem T)
	Pop() (T, bool)
	Peek() (T, bool)
	Size() int
	Drain() []T
}
