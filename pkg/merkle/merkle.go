// Package merkle implements the milestone scope commitment: a root hash over
// (submilestone, amount) leaves, plus membership proofs for single payouts.
//
// Pairing convention: at every level the two child hashes are sorted before
// hashing, so proofs carry no left/right position flags. Leaf and interior
// hashes are domain separated (leaf: / node: prefixes) so a proof element can
// never double as a leaf preimage. The builder and verifier live together in
// this package to keep the convention pinned on both sides.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const hashLen = sha256.Size

// ScopeLeaf is one payable unit inside a milestone scope.
type ScopeLeaf struct {
	SubmilestoneID string
	Amount         int64
}

// LeafHash hashes the four fields identifying a single payout claim. The
// separator byte keeps ("a","bc") and ("ab","c") from colliding.
func LeafHash(projectID, milestoneID, submilestoneID string, amount int64) []byte {
	h := sha256.New()
	h.Write([]byte("leaf:"))
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(milestoneID))
	h.Write([]byte{0})
	h.Write([]byte(submilestoneID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(amount, 10)))
	return h.Sum(nil)
}

func nodeHash(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	h := sha256.New()
	h.Write([]byte("node:"))
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}

// Verify folds proof against leaf and compares the result to root. It never
// panics: any malformed input (empty leaf, wrong hash length, nil root)
// yields false.
func Verify(root, leaf []byte, proof [][]byte) bool {
	if len(root) != hashLen || len(leaf) != hashLen {
		return false
	}
	cur := leaf
	for _, sibling := range proof {
		if len(sibling) != hashLen {
			return false
		}
		cur = nodeHash(cur, sibling)
	}
	return bytes.Equal(cur, root)
}

// VerifyPayout is the wire-level entry point: root and proof elements arrive
// as hex strings (with or without the sha256: prefix). Returns false, never
// an error, on any decode failure.
func VerifyPayout(root, projectID, milestoneID, submilestoneID string, amount int64, proof []string) bool {
	rootBytes, ok := decodeHash(root)
	if !ok {
		return false
	}
	if projectID == "" || milestoneID == "" || submilestoneID == "" {
		return false
	}
	siblings := make([][]byte, 0, len(proof))
	for _, p := range proof {
		b, ok := decodeHash(p)
		if !ok {
			return false
		}
		siblings = append(siblings, b)
	}
	leaf := LeafHash(projectID, milestoneID, submilestoneID, amount)
	return Verify(rootBytes, leaf, siblings)
}

type scopeNode struct {
	hash   []byte
	leaves []int
}

// BuildScope computes the committed root for a milestone scope and a proof
// per submilestone. Leaves are sorted by id first so the root does not
// depend on input order; an unpaired node is promoted unchanged to the next
// level.
func BuildScope(projectID, milestoneID string, leaves []ScopeLeaf) (root string, proofs map[string][]string, err error) {
	if projectID == "" || milestoneID == "" {
		return "", nil, fmt.Errorf("project_id and milestone_id are required")
	}
	if len(leaves) == 0 {
		return "", nil, fmt.Errorf("scope must contain at least one submilestone")
	}
	sorted := make([]ScopeLeaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SubmilestoneID < sorted[j].SubmilestoneID })

	seen := map[string]struct{}{}
	level := make([]scopeNode, 0, len(sorted))
	for i, l := range sorted {
		if l.SubmilestoneID == "" {
			return "", nil, fmt.Errorf("submilestone_id is required")
		}
		if _, dup := seen[l.SubmilestoneID]; dup {
			return "", nil, fmt.Errorf("duplicate submilestone_id %s", l.SubmilestoneID)
		}
		seen[l.SubmilestoneID] = struct{}{}
		if l.Amount <= 0 {
			return "", nil, fmt.Errorf("amount must be positive for %s", l.SubmilestoneID)
		}
		level = append(level, scopeNode{
			hash:   LeafHash(projectID, milestoneID, l.SubmilestoneID, l.Amount),
			leaves: []int{i},
		})
	}

	paths := make([][][]byte, len(sorted))
	for len(level) > 1 {
		next := make([]scopeNode, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			left, right := level[i], level[i+1]
			for _, li := range left.leaves {
				paths[li] = append(paths[li], right.hash)
			}
			for _, li := range right.leaves {
				paths[li] = append(paths[li], left.hash)
			}
			merged := append(append([]int{}, left.leaves...), right.leaves...)
			next = append(next, scopeNode{hash: nodeHash(left.hash, right.hash), leaves: merged})
		}
		level = next
	}

	proofs = make(map[string][]string, len(sorted))
	for i, l := range sorted {
		out := make([]string, len(paths[i]))
		for j, sib := range paths[i] {
			out[j] = hex.EncodeToString(sib)
		}
		proofs[l.SubmilestoneID] = out
	}
	return hex.EncodeToString(level[0].hash), proofs, nil
}

// IsWellFormedRoot reports whether s decodes to a 32-byte digest. It says
// nothing about what the root commits to.
func IsWellFormedRoot(s string) bool {
	_, ok := decodeHash(s)
	return ok
}

func decodeHash(s string) ([]byte, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "sha256:")
	if s == "" {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != hashLen {
		return nil, false
	}
	return b, true
}
