package merkle

import (
	"encoding/hex"
	"testing"
)

func buildTwoLeafScope(t *testing.T) (root string, proofs map[string][]string) {
	t.Helper()
	root, proofs, err := BuildScope("prj_1", "ms_1", []ScopeLeaf{
		{SubmilestoneID: "sub_1", Amount: 50},
		{SubmilestoneID: "sub_2", Amount: 30},
	})
	if err != nil {
		t.Fatalf("build err: %v", err)
	}
	return root, proofs
}

func TestVerifyPayoutHappyPath(t *testing.T) {
	root, proofs := buildTwoLeafScope(t)
	if !VerifyPayout(root, "prj_1", "ms_1", "sub_1", 50, proofs["sub_1"]) {
		t.Fatalf("expected sub_1 proof to verify")
	}
	if !VerifyPayout(root, "prj_1", "ms_1", "sub_2", 30, proofs["sub_2"]) {
		t.Fatalf("expected sub_2 proof to verify")
	}
}

func TestVerifyPayoutAcceptsSHA256Prefix(t *testing.T) {
	root, proofs := buildTwoLeafScope(t)
	if !VerifyPayout("sha256:"+root, "prj_1", "ms_1", "sub_1", 50, proofs["sub_1"]) {
		t.Fatalf("expected prefixed root to verify")
	}
}

func TestVerifyPayoutRejectsWrongAmount(t *testing.T) {
	root, proofs := buildTwoLeafScope(t)
	if VerifyPayout(root, "prj_1", "ms_1", "sub_1", 51, proofs["sub_1"]) {
		t.Fatalf("amount tamper must fail verification")
	}
}

func TestVerifyPayoutRejectsBitFlippedProof(t *testing.T) {
	root, proofs := buildTwoLeafScope(t)
	proof := proofs["sub_1"]
	raw, err := hex.DecodeString(proof[0])
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}
	for byteIdx := range raw {
		for bit := 0; bit < 8; bit++ {
			flipped := make([]byte, len(raw))
			copy(flipped, raw)
			flipped[byteIdx] ^= 1 << bit
			tampered := []string{hex.EncodeToString(flipped)}
			if VerifyPayout(root, "prj_1", "ms_1", "sub_1", 50, tampered) {
				t.Fatalf("bit flip at byte %d bit %d still verified", byteIdx, bit)
			}
		}
	}
}

func TestVerifyPayoutRejectsSwappedLeafFields(t *testing.T) {
	root, proofs := buildTwoLeafScope(t)
	if VerifyPayout(root, "prj_1", "ms_1", "sub_2", 50, proofs["sub_1"]) {
		t.Fatalf("proof for sub_1 must not cover sub_2")
	}
	if VerifyPayout(root, "ms_1", "prj_1", "sub_1", 50, proofs["sub_1"]) {
		t.Fatalf("swapped project/milestone ids must not verify")
	}
}

func TestVerifyPayoutRejectsWrongProofLength(t *testing.T) {
	root, proofs := buildTwoLeafScope(t)
	if VerifyPayout(root, "prj_1", "ms_1", "sub_1", 50, nil) {
		t.Fatalf("empty proof must not verify a two-leaf scope")
	}
	extended := append([]string{}, proofs["sub_1"]...)
	extended = append(extended, proofs["sub_1"][0])
	if VerifyPayout(root, "prj_1", "ms_1", "sub_1", 50, extended) {
		t.Fatalf("extended proof must not verify")
	}
}

func TestVerifyPayoutNeverPanicsOnGarbage(t *testing.T) {
	cases := []struct {
		root  string
		proof []string
	}{
		{"", nil},
		{"zz", nil},
		{"sha256:", []string{"00"}},
		{"deadbeef", []string{"not-hex"}},
		{testDigest("x"), []string{""}},
	}
	for _, c := range cases {
		if VerifyPayout(c.root, "prj_1", "ms_1", "sub_1", 1, c.proof) {
			t.Fatalf("garbage input verified: %+v", c)
		}
	}
	if VerifyPayout(testDigest("r"), "", "ms_1", "sub_1", 1, nil) {
		t.Fatalf("empty project id must not verify")
	}
}

func TestBuildScopeOrderIndependentRoot(t *testing.T) {
	a, _, err := BuildScope("prj_1", "ms_1", []ScopeLeaf{{"sub_1", 50}, {"sub_2", 30}, {"sub_3", 20}})
	if err != nil {
		t.Fatalf("build err: %v", err)
	}
	b, _, err := BuildScope("prj_1", "ms_1", []ScopeLeaf{{"sub_3", 20}, {"sub_1", 50}, {"sub_2", 30}})
	if err != nil {
		t.Fatalf("build err: %v", err)
	}
	if a != b {
		t.Fatalf("root depends on leaf order: %s vs %s", a, b)
	}
}

func TestBuildScopeOddLeafCount(t *testing.T) {
	root, proofs, err := BuildScope("prj_1", "ms_1", []ScopeLeaf{
		{"sub_1", 10}, {"sub_2", 20}, {"sub_3", 30}, {"sub_4", 40}, {"sub_5", 50},
	})
	if err != nil {
		t.Fatalf("build err: %v", err)
	}
	amounts := map[string]int64{"sub_1": 10, "sub_2": 20, "sub_3": 30, "sub_4": 40, "sub_5": 50}
	for id, amount := range amounts {
		if !VerifyPayout(root, "prj_1", "ms_1", id, amount, proofs[id]) {
			t.Fatalf("proof for %s failed on odd-count tree", id)
		}
	}
}

func TestBuildScopeSingleLeaf(t *testing.T) {
	root, proofs, err := BuildScope("prj_1", "ms_1", []ScopeLeaf{{"sub_1", 10}})
	if err != nil {
		t.Fatalf("build err: %v", err)
	}
	if len(proofs["sub_1"]) != 0 {
		t.Fatalf("single leaf proof must be empty, got %d elements", len(proofs["sub_1"]))
	}
	if !VerifyPayout(root, "prj_1", "ms_1", "sub_1", 10, nil) {
		t.Fatalf("single leaf scope must verify with empty proof")
	}
}

func TestBuildScopeRejectsBadInput(t *testing.T) {
	if _, _, err := BuildScope("prj_1", "ms_1", nil); err == nil {
		t.Fatalf("expected error on empty scope")
	}
	if _, _, err := BuildScope("prj_1", "ms_1", []ScopeLeaf{{"sub_1", 0}}); err == nil {
		t.Fatalf("expected error on non-positive amount")
	}
	if _, _, err := BuildScope("prj_1", "ms_1", []ScopeLeaf{{"sub_1", 1}, {"sub_1", 2}}); err == nil {
		t.Fatalf("expected error on duplicate submilestone")
	}
	if _, _, err := BuildScope("", "ms_1", []ScopeLeaf{{"sub_1", 1}}); err == nil {
		t.Fatalf("expected error on empty project id")
	}
}

// testDigest returns a well-formed 32-byte hex digest for negative
// tests without reaching into package internals.
func testDigest(s string) string {
	h := LeafHash(s, s, s, 1)
	return hex.EncodeToString(h)
}
