package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Fingerprint is a content-derived digest over a resource's inputs. Two
// fingerprints are equal iff the digested content is byte-identical.
type Fingerprint string

// IsZero returns true for the empty fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == ""
}

// fpHasher accumulates length-prefixed fields so that ("ab","c") and
// ("a","bc") never collide.
type fpHasher struct {
	h [32]byte
	b []byte
}

func newFPHasher() *fpHasher {
	return &fpHasher{b: make([]byte, 0, 256)}
}

func (h *fpHasher) writeField(s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	h.b = append(h.b, n[:]...)
	h.b = append(h.b, s...)
}

func (h *fpHasher) sum() Fingerprint {
	h.h = sha256.Sum256(h.b)
	return Fingerprint(hex.EncodeToString(h.h[:]))
}

// NodeFingerprint digests a node's kind and its attributes in order.
// Attributes are canonicalized at load time, so identical declarations
// always hash identically.
func NodeFingerprint(node *ResourceNode) Fingerprint {
	h := newFPHasher()
	h.writeField(string(node.Kind))
	for _, attr := range node.Attributes {
		h.writeField(attr.Key)
		h.writeField(attr.Value)
	}
	return h.sum()
}

// AggregateFingerprint digests the ordered list of the curated trigger
// nodes' current fingerprints plus the aggregate's own attributes. It runs
// after every upstream fingerprint is known, so an upstream change surfaces
// here even when none of the aggregate's own fields changed.
func AggregateFingerprint(node *ResourceNode, upstream []Fingerprint) Fingerprint {
	h := newFPHasher()
	h.writeField(string(node.Kind))
	for _, attr := range node.Attributes {
		h.writeField(attr.Key)
		h.writeField(attr.Value)
	}
	for _, fp := range upstream {
		h.writeField(string(fp))
	}
	return h.sum()
}

// fingerprintSet computes the effective fingerprint of every node in the
// graph. Aggregates resolve through their trigger references first, so an
// aggregate whose trigger set names another aggregate folds in that
// aggregate's final fingerprint, never a placeholder. Resolution walks
// g.Order, so identical input always yields identical fingerprints.
func fingerprintSet(g *Graph) map[string]Fingerprint {
	fps := make(map[string]Fingerprint, len(g.Nodes))
	resolving := make(map[string]bool, len(g.Nodes))

	var resolve func(id string) Fingerprint
	resolve = func(id string) Fingerprint {
		if fp, done := fps[id]; done {
			return fp
		}
		node := g.Nodes[id]
		if !node.Kind.IsAggregate() {
			fp := NodeFingerprint(node)
			fps[id] = fp
			return fp
		}
		if resolving[id] {
			// Trigger cycle among aggregates; fold the plain digest so the
			// result stays deterministic.
			return NodeFingerprint(node)
		}
		resolving[id] = true
		upstream := make([]Fingerprint, 0, len(node.Triggers))
		for _, trigger := range node.Triggers {
			upstream = append(upstream, resolve(trigger))
		}
		resolving[id] = false
		fp := AggregateFingerprint(node, upstream)
		fps[id] = fp
		return fp
	}

	for _, id := range g.Order {
		resolve(id)
	}
	return fps
}
