// Package spike provides a primitive to handle spike-like load on retrieving external resources:
// concurrent requests for the same key are collapsed into one fetch and its result is fanned out.
package spike

const defaultGroupSize = 50

// Group keeps, for every key that is currently being fetched, the ordered list of reply channels
// waiting for its result.
//
// Group is not safe for concurrent use, it is meant to be owned by a single event loop.
type Group[K comparable, V any] struct {
	listeners map[K][]chan<- V
}

func NewGroup[K comparable, V any]() *Group[K, V] {
	return &Group[K, V]{
		listeners: make(map[K][]chan<- V, defaultGroupSize),
	}
}

// Join registers ch as a listener for k.
// It returns true if ch is the first listener, in that case the caller must start the fetch for k.
func (g *Group[K, V]) Join(k K, ch chan<- V) bool {
	chans, ok := g.listeners[k]
	g.listeners[k] = append(chans, ch)
	return !ok
}

// InFlight reports whether listeners are waiting for k
func (g *Group[K, V]) InFlight(k K) bool {
	_, ok := g.listeners[k]
	return ok
}

// Deliver sends v to every listener of k, closes their channels and forgets k.
// Listener channels must have room for one value. It returns the number of notified listeners.
func (g *Group[K, V]) Deliver(k K, v V) int {
	chans := g.listeners[k]
	for _, ch := range chans {
		ch <- v
		close(ch)
	}
	delete(g.listeners, k)
	return len(chans)
}

// Len returns the number of keys with waiting listeners
func (g *Group[K, V]) Len() int {
	return len(g.listeners)
}
