package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/p2p-energy-trading/engine/pkg/auth"
	"github.com/p2p-energy-trading/engine/pkg/config"
	"github.com/p2p-energy-trading/engine/pkg/signing"
)

type keyOutput struct {
	Role      string `json:"role"`
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"`
	Seed      string `json:"private_key"`
}

// runKeysCmd implements `energy-node keys`: it generates one key pair per
// role and prints the values to put in BAP_PRIVATE_KEY / BPP_PRIVATE_KEY.
func runKeysCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keys", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subscriber string
		bapKeyID   string
		bppKeyID   string
		jsonOutput bool
	)
	cmd.StringVar(&subscriber, "subscriber", "localhost", "Subscriber id of this node")
	cmd.StringVar(&bapKeyID, "bap-key-id", "bap-key-1", "Unique key id of the BAP key")
	cmd.StringVar(&bppKeyID, "bpp-key-id", "bpp-key-1", "Unique key id of the BPP key")
	cmd.BoolVar(&jsonOutput, "json", false, "Output keys as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var out []keyOutput
	for _, role := range []struct{ name, uk string }{{"bap", bapKeyID}, {"bpp", bppKeyID}} {
		kp, err := signing.GenerateKeyPair(subscriber, role.uk)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		out = append(out, keyOutput{Role: role.name, KeyID: kp.KeyID, PublicKey: kp.PublicKeyBase64(), Seed: kp.SeedBase64()})
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	for _, k := range out {
		env := strings.ToUpper(k.Role)
		_, _ = fmt.Fprintf(stdout, "# %s key %s (public key %s)\n", k.Role, k.KeyID, k.PublicKey)
		_, _ = fmt.Fprintf(stdout, "%s_UNIQUE_KEY_ID=%s\n", env, strings.Split(k.KeyID, "|")[1])
		_, _ = fmt.Fprintf(stdout, "%s_PRIVATE_KEY=%s\n", env, k.Seed)
	}
	return 0
}

// runSignCmd implements `energy-node sign`. It prints the Authorization
// header for the body file.
func runSignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		seed       string
		subscriber string
		keyID      string
		file       string
		ttl        time.Duration
	)
	cmd.StringVar(&seed, "seed", "", "Base64 private key seed (REQUIRED)")
	cmd.StringVar(&subscriber, "subscriber", "", "Subscriber id (REQUIRED)")
	cmd.StringVar(&keyID, "key-id", "", "Unique key id (REQUIRED)")
	cmd.StringVar(&file, "file", "", "Body file to sign, - for stdin (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", 30*time.Second, "Signature validity")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if seed == "" || subscriber == "" || keyID == "" || file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --seed, --subscriber, --key-id and --file are required")
		return 2
	}

	kp, err := signing.KeyPairFromSeed(subscriber, keyID, seed)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	body, err := readBody(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	header, err := signing.SignMessage(body, kp, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, header)
	return 0
}

// runVerifyCmd implements `energy-node verify`.
//
// Exit codes:
//
//	0 = signature valid
//	1 = signature rejected
//	2 = usage or input error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		header    string
		publicKey string
		file      string
	)
	cmd.StringVar(&header, "header", "", "Authorization header value (REQUIRED)")
	cmd.StringVar(&publicKey, "public-key", "", "Base64 Ed25519 public key (REQUIRED)")
	cmd.StringVar(&file, "file", "", "Body file, - for stdin (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if header == "" || publicKey == "" || file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --header, --public-key and --file are required")
		return 2
	}

	pub, err := signing.DecodePublicKey(publicKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	body, err := readBody(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	res := signing.VerifySignature(header, body, pub)
	if !res.Valid {
		_, _ = fmt.Fprintf(stderr, "Signature rejected: %v\n", res.Err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Signature valid: %s (created %s)\n", res.KeyID, time.Unix(res.Timestamp, 0).UTC().Format(time.RFC3339))
	return 0
}

// runTokenCmd implements `energy-node token`. It prints an operator token
// for the admin routes, signed with ADMIN_JWT_SECRET.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		secret  string
		subject string
		roles   string
		ttl     time.Duration
	)
	cmd.StringVar(&secret, "secret", os.Getenv("ADMIN_JWT_SECRET"), "Token secret (defaults to ADMIN_JWT_SECRET)")
	cmd.StringVar(&subject, "subject", "", "Operator name recorded in audit logs (REQUIRED)")
	cmd.StringVar(&roles, "role", auth.RoleOperator, "Comma-separated roles: operator, key-admin")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token validity")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if secret == "" || subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject and a secret (--secret or ADMIN_JWT_SECRET) are required")
		return 2
	}
	var list []string
	for _, r := range strings.Split(roles, ",") {
		switch r = strings.TrimSpace(r); r {
		case "":
		case auth.RoleOperator, auth.RoleKeyAdmin:
			list = append(list, r)
		default:
			_, _ = fmt.Fprintf(stderr, "Error: unknown role %q\n", r)
			return 2
		}
	}
	if ttl <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --ttl must be positive")
		return 2
	}

	token, err := auth.IssueAdminToken([]byte(secret), subject, list, ttl, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}

func readBody(file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var url string
	cmd.StringVar(&url, "url", "http://localhost:8080/health", "Health endpoint")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	hc := &http.Client{Timeout: 5 * time.Second}
	resp, err := hc.Get(url)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

// loadKeyPair returns the role key pair from its configured seed, or an
// ephemeral one outside production. Ephemeral keys change on every restart,
// so peers must re-register them.
func loadKeyPair(cfg *config.Config, role string, logger *slog.Logger) (*signing.KeyPair, error) {
	seed, uk := cfg.BapPrivateKey, cfg.BapUniqueKeyID
	if role == "bpp" {
		seed, uk = cfg.BppPrivateKey, cfg.BppUniqueKeyID
	}
	if seed != "" {
		kp, err := signing.KeyPairFromSeed(cfg.SubscriberID, uk, seed)
		if err != nil {
			return nil, fmt.Errorf("%s key: %w", role, err)
		}
		return kp, nil
	}
	if cfg.Production {
		return nil, fmt.Errorf("production mode requires %s_PRIVATE_KEY", strings.ToUpper(role))
	}
	kp, err := signing.GenerateKeyPair(cfg.SubscriberID, uk)
	if err != nil {
		return nil, err
	}
	logger.Warn("using ephemeral signing key", "role", role, "key_id", kp.KeyID, "public_key", kp.PublicKeyBase64())
	return kp, nil
}
