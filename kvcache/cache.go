package kvcache

import (
	"errors"
	"fmt"
)

var ErrKvCacheFull = errors.New("could not find a kv cache slot")

// Cache stores the key and value projections of every position a model has
// already processed, one history per layer. Positions are shared by all
// layers: StartForward reserves them and each layer then fills them with Put.
type Cache struct {
	capacity int
	length   int

	keys   [][][]float32
	values [][][]float32
}

// New returns an empty cache for a model with the given number of layers
// that can hold up to capacity positions.
func New(layers, capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		keys:     make([][][]float32, layers),
		values:   make([][][]float32, layers),
	}
}

// Len is the number of reserved positions.
func (c *Cache) Len() int {
	return c.length
}

func (c *Cache) Capacity() int {
	return c.capacity
}

func (c *Cache) Layers() int {
	return len(c.keys)
}

// StartForward reserves n positions for the coming forward pass and returns
// the position of the first one.
func (c *Cache) StartForward(n int) (int, error) {
	if c.length+n > c.capacity {
		return 0, fmt.Errorf("%w: %d positions in use, %d requested, capacity %d", ErrKvCacheFull, c.length, n, c.capacity)
	}

	pos := c.length
	c.length += n
	return pos, nil
}

// Put stores the key and value of a reserved position in layer. The slices
// are retained, not copied.
func (c *Cache) Put(layer, pos int, key, value []float32) {
	if pos >= c.length {
		panic(fmt.Sprintf("kvcache: position %d not reserved", pos))
	}

	if pos == len(c.keys[layer]) {
		c.keys[layer] = append(c.keys[layer], key)
		c.values[layer] = append(c.values[layer], value)
		return
	}

	c.keys[layer][pos] = key
	c.values[layer][pos] = value
}

// Get returns the key and value history of layer for positions [0, n).
func (c *Cache) Get(layer, n int) (keys, values [][]float32) {
	return c.keys[layer][:n], c.values[layer][:n]
}

// Remove discards every position from begin onwards.
func (c *Cache) Remove(begin int) {
	begin = max(0, min(begin, c.length))
	for i := range c.keys {
		c.keys[i] = c.keys[i][:min(begin, len(c.keys[i]))]
		c.values[i] = c.values[i][:min(begin, len(c.values[i]))]
	}

	c.length = begin
}
