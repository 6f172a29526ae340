// esctl is the offline companion tool: it generates signer keys, builds
// milestone scope commitments with their per-leaf proofs, and signs
// capability registrations and revocations without touching a server.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"escrowlane/pkg/capability"
	"escrowlane/pkg/merkle"
	"escrowlane/pkg/money"
	"escrowlane/pkg/signature"
)

const usage = `usage:
  esctl keygen [--out <path>]
  esctl scope build --project <id> --milestone <id> --leaf <submilestone>=<amount> [--leaf ...] [--out <path>]
  esctl capability sign --key <path> --delegate <identity> --target <name> --operation <op> [--operation ...] --max-per-op <amount> --max-cumulative <amount> --expires-at <rfc3339> [--nonce <value>] [--out <path>]
  esctl capability revoke --key <path> --capability-id <id> [--nonce <value>] [--out <path>]`

type repeatStringFlag []string

func (r *repeatStringFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatStringFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	*r = append(*r, v)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}
	switch os.Args[1] {
	case "keygen":
		runKeygen(os.Args[2:])
	case "scope":
		if len(os.Args) < 3 || os.Args[2] != "build" {
			fail(usage)
		}
		runScopeBuild(os.Args[3:])
	case "capability":
		if len(os.Args) < 3 {
			fail(usage)
		}
		switch os.Args[2] {
		case "sign":
			runCapabilitySign(os.Args[3:])
		case "revoke":
			runCapabilityRevoke(os.Args[3:])
		default:
			fail(usage)
		}
	default:
		fail(usage)
	}
}

// keyFile is the on-disk form produced by keygen and consumed by the signing
// subcommands.
type keyFile struct {
	Identity   string `json:"identity"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	fs.SetOutput(os.Stderr)
	out := fs.String("out", "", "path to write the key file (defaults to stdout)")
	_ = fs.Parse(args)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fail("keygen failed: " + err.Error())
	}
	identity, err := signature.IdentityFromPublicKey(pub)
	if err != nil {
		fail("keygen failed: " + err.Error())
	}
	emit(*out, keyFile{
		Identity:   identity,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	})
}

func runScopeBuild(args []string) {
	fs := flag.NewFlagSet("scope build", flag.ExitOnError)
	fs.SetOutput(os.Stderr)
	project := fs.String("project", "", "project id")
	milestone := fs.String("milestone", "", "milestone id")
	out := fs.String("out", "", "path to write the scope file (defaults to stdout)")
	var rawLeaves repeatStringFlag
	fs.Var(&rawLeaves, "leaf", "submilestone=amount pair (repeatable)")
	_ = fs.Parse(args)

	if *project == "" || *milestone == "" || len(rawLeaves) == 0 {
		fail("--project, --milestone and at least one --leaf are required")
	}
	leaves := make([]merkle.ScopeLeaf, 0, len(rawLeaves))
	for _, raw := range rawLeaves {
		sub, amountStr, ok := strings.Cut(raw, "=")
		if !ok || sub == "" {
			fail("leaf must be <submilestone>=<amount>: " + raw)
		}
		amount, err := money.ParseAmount(amountStr)
		if err != nil {
			fail("leaf " + sub + ": " + err.Error())
		}
		leaves = append(leaves, merkle.ScopeLeaf{SubmilestoneID: sub, Amount: amount})
	}

	root, proofs, err := merkle.BuildScope(*project, *milestone, leaves)
	if err != nil {
		fail("scope build failed: " + err.Error())
	}
	emit(*out, map[string]any{
		"project_id":   *project,
		"milestone_id": *milestone,
		"root":         root,
		"proofs":       proofs,
	})
}

func runCapabilitySign(args []string) {
	fs := flag.NewFlagSet("capability sign", flag.ExitOnError)
	fs.SetOutput(os.Stderr)
	keyPath := fs.String("key", "", "path to the owner key file")
	delegate := fs.String("delegate", "", "delegate identity")
	target := fs.String("target", "", "target the capability covers")
	maxPerOp := fs.String("max-per-op", "", "per-operation limit")
	maxCumulative := fs.String("max-cumulative", "", "lifetime budget")
	expiresAt := fs.String("expires-at", "", "expiry, RFC3339")
	nonce := fs.String("nonce", "", "registration nonce (random when omitted)")
	out := fs.String("out", "", "path to write the signed registration (defaults to stdout)")
	var operations repeatStringFlag
	fs.Var(&operations, "operation", "granted operation (repeatable)")
	_ = fs.Parse(args)

	priv := loadKey(*keyPath)
	payload := capability.RegistrationPayload{
		Delegate:        *delegate,
		Target:          *target,
		Operations:      []string(operations),
		MaxPerOperation: *maxPerOp,
		MaxCumulative:   *maxCumulative,
		ExpiresAt:       *expiresAt,
		Nonce:           orRandomNonce(*nonce),
	}
	env, err := signature.Sign(payload, priv, time.Now(), signature.ContextCapability)
	if err != nil {
		fail("sign failed: " + err.Error())
	}
	emit(*out, map[string]any{"payload": payload, "envelope": env})
}

func runCapabilityRevoke(args []string) {
	fs := flag.NewFlagSet("capability revoke", flag.ExitOnError)
	fs.SetOutput(os.Stderr)
	keyPath := fs.String("key", "", "path to the owner key file")
	capabilityID := fs.String("capability-id", "", "capability to revoke")
	nonce := fs.String("nonce", "", "revocation nonce (random when omitted)")
	out := fs.String("out", "", "path to write the signed revocation (defaults to stdout)")
	_ = fs.Parse(args)

	if *capabilityID == "" {
		fail("--capability-id is required")
	}
	priv := loadKey(*keyPath)
	payload := capability.RevocationPayload{
		CapabilityID: *capabilityID,
		Nonce:        orRandomNonce(*nonce),
	}
	env, err := signature.Sign(payload, priv, time.Now(), signature.ContextCapabilityRevocation)
	if err != nil {
		fail("sign failed: " + err.Error())
	}
	emit(*out, map[string]any{"payload": payload, "envelope": env})
}

func loadKey(path string) ed25519.PrivateKey {
	if path == "" {
		fail("--key is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		fail("read key failed: " + err.Error())
	}
	var kf keyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		fail("parse key failed: " + err.Error())
	}
	priv, err := base64.StdEncoding.DecodeString(kf.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		fail("key file holds no usable ed25519 private key")
	}
	return ed25519.PrivateKey(priv)
}

func orRandomNonce(n string) string {
	if n != "" {
		return n
	}
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func emit(path string, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail("encode failed: " + err.Error())
	}
	b = append(b, '\n')
	if path == "" {
		_, _ = os.Stdout.Write(b)
		return
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		fail("write failed: " + err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
