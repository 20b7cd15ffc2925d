// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a set of component names that a jrpc peer exposes
// to its remote, and the binary encoding used to exchange that set during the
// capability handshake.
//
// # Usage
//
// Construct a catalog and add names to it:
//
//	var cat catalog.Catalog
//	cat.Add("Calc.add", "Calc.sub")
//
// To check whether a name is present use Has:
//
//	if cat.Has("Calc.add") { ... }
//
// The Encode and Decode methods convert a catalog to and from the payload
// format of the handshake. The wire format comprises the number of names as a
// vint30, followed by each name in lexicographic order as a vint30-prefixed
// string.
package catalog

import (
	"fmt"
	"maps"
	"slices"

	"github.com/flatmax/jrpc-oo/packet"
)

// A Catalog is a set of component names. The zero value is ready for use as
// an empty catalog. A Catalog is not safe for concurrent use without external
// synchronization.
type Catalog struct {
	names map[string]struct{}
}

// New constructs a catalog containing the specified names.
func New(names ...string) *Catalog {
	c := new(Catalog)
	c.Add(names...)
	return c
}

// Add adds the specified names to c, and returns c to allow chaining.
// Adding a name already present has no effect.
func (c *Catalog) Add(names ...string) *Catalog {
	if c.names == nil && len(names) != 0 {
		c.names = make(map[string]struct{}, len(names))
	}
	for _, name := range names {
		c.names[name] = struct{}{}
	}
	return c
}

// Remove removes the specified names from c, and returns c to allow chaining.
func (c *Catalog) Remove(names ...string) *Catalog {
	for _, name := range names {
		delete(c.names, name)
	}
	return c
}

// Has reports whether name is present in c. A nil catalog is empty.
func (c *Catalog) Has(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.names[name]
	return ok
}

// Len reports the number of names in c.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}

// Names returns the names in c in lexicographic order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.names))
}

// Clone returns a copy of c that does not share storage with it.
func (c *Catalog) Clone() Catalog {
	if c == nil {
		return Catalog{}
	}
	return Catalog{names: maps.Clone(c.names)}
}

// Encode encodes c in binary format.
func (c *Catalog) Encode() []byte {
	names := c.Names()
	var b packet.Builder
	n := packet.Vint30(len(names)).Size()
	for _, name := range names {
		n += packet.VLen(len(name))
	}
	b.Grow(n)
	b.Vint30(uint32(len(names)))
	for _, name := range names {
		b.VPutString(name)
	}
	return b.Bytes()
}

// Decode decodes data as a catalog payload, replacing the contents of c.
// An empty input decodes as an empty catalog.
func (c *Catalog) Decode(data []byte) error {
	if c.names == nil {
		c.names = make(map[string]struct{})
	} else {
		clear(c.names)
	}
	if len(data) == 0 {
		return nil
	}
	s := packet.NewScanner(data)
	n, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("invalid catalog size: %w", err)
	}
	for i := range n {
		name, err := packet.VGet[string](s)
		if err != nil {
			return fmt.Errorf("truncated name %d at offset %d: %w", i+1, s.Offset(), err)
		}
		c.names[name] = struct{}{}
	}
	if s.Len() != 0 {
		return fmt.Errorf("extra data after catalog (%d bytes)", s.Len())
	}
	return nil
}
