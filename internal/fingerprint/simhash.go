// Package fingerprint computes 64-bit SimHash signatures over page text and
// finds near-duplicates by Hamming distance through a banded index.
package fingerprint

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

const (
	shingleSize = 3 // word trigrams

	// Banding parameters: 4 bands of 16 bits each over the 64-bit
	// signature. Two signatures within the distance threshold almost
	// always share at least one identical band.
	numBands    = 4
	bitsPerBand = 16
)

// Hash computes the SimHash signature of a text. Empty or whitespace-only
// text hashes to zero.
func Hash(text string) uint64 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return 0
	}

	var counts [64]int
	shingles := len(tokens) - shingleSize + 1
	if shingles < 1 {
		shingles = 1
	}
	for i := 0; i < shingles; i++ {
		end := i + shingleSize
		if end > len(tokens) {
			end = len(tokens)
		}
		h := hashShingle(tokens[i:end])
		for b := 0; b < 64; b++ {
			if h&(1<<uint(b)) != 0 {
				counts[b]++
			} else {
				counts[b]--
			}
		}
	}

	var sig uint64
	for b := 0; b < 64; b++ {
		if counts[b] > 0 {
			sig |= 1 << uint(b)
		}
	}
	return sig
}

// Distance is the Hamming distance between two signatures.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 { // drop single-character noise
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func hashShingle(words []string) uint64 {
	h := fnv.New64a()
	for i, w := range words {
		if i > 0 {
			h.Write([]byte{' '})
		}
		h.Write([]byte(w))
	}
	return h.Sum64()
}

// band extracts the i-th 16-bit band of a signature.
func band(sig uint64, i int) uint16 {
	return uint16(sig >> (uint(i) * bitsPerBand))
}

// Index is a banded near-duplicate index over SimHash signatures.
// Candidates are signatures sharing at least one band with the query;
// matches are candidates within the distance threshold.
type Index struct {
	threshold int
	buckets   [numBands]map[uint16][]uint64
}

// NewIndex creates an index that treats signatures within threshold bits as
// near-duplicates.
func NewIndex(threshold int) *Index {
	idx := &Index{threshold: threshold}
	for b := range idx.buckets {
		idx.buckets[b] = make(map[uint16][]uint64)
	}
	return idx
}

// Add inserts a signature. Zero signatures (empty pages) are ignored.
func (idx *Index) Add(sig uint64) {
	if sig == 0 {
		return
	}
	for b := 0; b < numBands; b++ {
		key := band(sig, b)
		idx.buckets[b][key] = append(idx.buckets[b][key], sig)
	}
}

// IsNearDuplicate reports whether any indexed signature lies within the
// distance threshold of sig.
func (idx *Index) IsNearDuplicate(sig uint64) bool {
	if sig == 0 {
		return false
	}
	seen := make(map[uint64]struct{})
	for b := 0; b < numBands; b++ {
		for _, cand := range idx.buckets[b][band(sig, b)] {
			if _, ok := seen[cand]; ok {
				continue
			}
			seen[cand] = struct{}{}
			if Distance(sig, cand) <= idx.threshold {
				return true
			}
		}
	}
	return false
}

// Len reports the number of distinct band entries (diagnostic only).
func (idx *Index) Len() int {
	n := 0
	for _, bucket := range idx.buckets[0] {
		n += len(bucket)
	}
	return n
}
