package main

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/ledger-key-custody/accounts"
	"github.com/ruteri/ledger-key-custody/cryptoutils"
	"github.com/ruteri/ledger-key-custody/httpserver"
	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/ruteri/ledger-key-custody/kms"
	"github.com/urfave/cli/v2"
)

var flagAlgorithm = &cli.StringFlag{
	Name:  "algorithm",
	Value: interfaces.EC256.String(),
	Usage: "Signature algorithm: Dilithium, Falcon or EC256",
}

var flagKeyFile = &cli.StringFlag{
	Name:  "key-file",
	Value: "signing-key.json",
	Usage: "Path to the signing key file written by keygen",
}

var flagAccountID = &cli.StringFlag{
	Name:     "account-id",
	Usage:    "Account the request is signed for",
	Required: true,
}

var flagPayload = &cli.StringFlag{
	Name:  "payload",
	Value: "-",
	Usage: "Path to the JSON payload to sign, - for stdin",
}

var flagServer = &cli.StringFlag{
	Name:  "server-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "Custody server address",
}

var flagAdminPrivkey = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}

var flagAdminPubkey = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}

// signingKey is the on-disk format of a key produced by keygen.
type signingKey struct {
	Algorithm  interfaces.Algorithm `json:"algorithm"`
	PublicKey  []byte               `json:"public_key"`
	PrivateKey []byte               `json:"private_key"`
}

func main() {
	app := &cli.App{
		Name:  "signer",
		Usage: "Produce signed requests and manage admin shares for the custody server",
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "Generate a signing key pair",
				Flags:  []cli.Flag{flagAlgorithm, flagKeyFile},
				Action: keygen,
			},
			{
				Name:   "sign",
				Usage:  "Wrap a JSON payload in a signed request envelope",
				Flags:  []cli.Flag{flagKeyFile, flagAccountID, flagPayload},
				Action: sign,
			},
			{
				Name:  "sign-substitution",
				Usage: "Sign data with a substitution private key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "private-key", Usage: "hex encoded substitution private key", Required: true},
					flagPayload,
				},
				Action: signSubstitution,
			},
			{
				Name:   "admin-keygen",
				Usage:  "Generate an admin key pair",
				Flags:  []cli.Flag{flagAdminPrivkey, flagAdminPubkey},
				Action: adminKeygen,
			},
			{
				Name:  "admin-config",
				Usage: "Write the admin keys file accepted by the server",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "admin-pubkey-files", Required: true},
					&cli.StringFlag{Name: "output", Value: "admin-keys.json"},
				},
				Action: adminConfig,
			},
			{
				Name:  "split-master-key",
				Usage: "Generate a master key for a locked local provider and split it into shares",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "threshold", Value: 2},
					&cli.IntFlag{Name: "total-shares", Value: 3},
					&cli.StringFlag{Name: "output-prefix", Value: "share"},
				},
				Action: splitMasterKey,
			},
			{
				Name:  "submit-share",
				Usage: "Submit a master key share to a locked provider",
				Flags: []cli.Flag{
					flagServer,
					flagAdminPrivkey,
					flagAdminPubkey,
					&cli.StringFlag{Name: "provider", Required: true},
					&cli.StringFlag{Name: "share-file", Required: true},
				},
				Action: submitShare,
			},
			{
				Name:  "admin-status",
				Usage: "Show the unlock state of locked providers",
				Flags: []cli.Flag{flagServer, flagAdminPrivkey, flagAdminPubkey},
				Action: func(cCtx *cli.Context) error {
					return adminRequest(cCtx, http.MethodGet, "/admin/status", nil)
				},
			},
			{
				Name:  "custody-check",
				Usage: "Check that the server can still unseal a custodial key",
				Flags: []cli.Flag{
					flagServer,
					&cli.StringFlag{Name: "key-id", Required: true},
				},
				Action: custodyCheck,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func keygen(cCtx *cli.Context) error {
	alg, err := interfaces.ParseAlgorithm(cCtx.String(flagAlgorithm.Name))
	if err != nil {
		return err
	}
	scheme, err := cryptoutils.SchemeFor(alg)
	if err != nil {
		return err
	}

	pub, priv, err := scheme.GenerateKey()
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(signingKey{Algorithm: alg, PublicKey: pub, PrivateKey: priv})
	if err != nil {
		return err
	}
	if err := os.WriteFile(cCtx.String(flagKeyFile.Name), encoded, 0600); err != nil {
		return err
	}

	fmt.Println(base64.StdEncoding.EncodeToString(pub))
	return nil
}

func sign(cCtx *cli.Context) error {
	keyBytes, err := os.ReadFile(cCtx.String(flagKeyFile.Name))
	if err != nil {
		return err
	}
	var key signingKey
	if err := json.Unmarshal(keyBytes, &key); err != nil {
		return fmt.Errorf("invalid key file: %w", err)
	}

	payload, err := readInput(cCtx.String(flagPayload.Name))
	if err != nil {
		return err
	}
	canonical, err := cryptoutils.CanonicalizePayload(payload)
	if err != nil {
		return err
	}

	scheme, err := cryptoutils.SchemeFor(key.Algorithm)
	if err != nil {
		return err
	}
	sig, err := scheme.Sign(key.PrivateKey, canonical)
	cryptoutils.WipeBytes(key.PrivateKey)
	if err != nil {
		return err
	}

	req := interfaces.SignedRequest{
		Payload: payload,
		Signature: &interfaces.SignatureBlock{
			AccountID:      cCtx.String(flagAccountID.Name),
			Algorithm:      key.Algorithm.String(),
			SignatureValue: base64.StdEncoding.EncodeToString(sig),
			Nonce:          uuid.NewString(),
			Timestamp:      time.Now().UTC(),
		},
	}
	return printJSON(req)
}

func signSubstitution(cCtx *cli.Context) error {
	priv, err := hex.DecodeString(strings.TrimPrefix(cCtx.String("private-key"), "0x"))
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	data, err := readInput(cCtx.String(flagPayload.Name))
	if err != nil {
		return err
	}

	sig, err := cryptoutils.SignWithSubstitutionKey(priv, data)
	if err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(sig))
	return nil
}

func adminKeygen(cCtx *cli.Context) error {
	privPEM, pubPEM, err := httpserver.GenerateAdminKeyPair()
	if err != nil {
		return err
	}
	if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), []byte(privPEM), 0600); err != nil {
		return err
	}
	if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), []byte(pubPEM), 0644); err != nil {
		return err
	}
	fmt.Println(adminID([]byte(pubPEM)))
	return nil
}

type adminEntry struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

func adminConfig(cCtx *cli.Context) error {
	var config struct {
		Admins []adminEntry `json:"admins"`
	}
	for _, path := range cCtx.StringSlice("admin-pubkey-files") {
		pubPEM, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		config.Admins = append(config.Admins, adminEntry{ID: adminID(pubPEM), PubKey: string(pubPEM)})
	}

	encoded, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cCtx.String("output"), encoded, 0644)
}

func splitMasterKey(cCtx *cli.Context) error {
	masterKey, err := cryptoutils.RandomBytes(cryptoutils.SymmetricKeySize)
	if err != nil {
		return err
	}
	shares, err := kms.SplitMasterKey(masterKey, cCtx.Int("total-shares"), cCtx.Int("threshold"))
	cryptoutils.WipeBytes(masterKey)
	if err != nil {
		return err
	}

	for i, share := range shares {
		path := fmt.Sprintf("%s-%d.b64", cCtx.String("output-prefix"), i+1)
		if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(share)), 0600); err != nil {
			return err
		}
		fmt.Println(path)
	}
	return nil
}

func submitShare(cCtx *cli.Context) error {
	encoded, err := os.ReadFile(cCtx.String("share-file"))
	if err != nil {
		return err
	}
	share, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return fmt.Errorf("invalid share file: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"provider": cCtx.String("provider"),
		"share":    share,
	})
	if err != nil {
		return err
	}
	return adminRequest(cCtx, http.MethodPost, "/admin/share", body)
}

func adminRequest(cCtx *cli.Context, method, path string, body []byte) error {
	pubPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
	if err != nil {
		return err
	}
	privPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return err
	}
	privateKey, err := httpserver.ParsePrivateKey(privPEM)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cCtx.Context, 30*time.Second)
	defer cancel()

	url := strings.TrimSuffix(cCtx.String(flagServer.Name), "/") + path
	req, err := httpserver.SignAdminRequest(ctx, method, url, body, adminID(pubPEM), privateKey)
	if err != nil {
		return err
	}

	respBody, err := do(req)
	fmt.Println(string(respBody))
	return err
}

func custodyCheck(cCtx *cli.Context) error {
	ctx, cancel := context.WithTimeout(cCtx.Context, 30*time.Second)
	defer cancel()

	url := strings.TrimSuffix(cCtx.String(flagServer.Name), "/") + "/api/v1/keys/" + cCtx.String("key-id") + "/custody-check"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}

	respBody, err := do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(respBody)))
	}

	var check accounts.CustodyCheck
	if err := json.Unmarshal(respBody, &check); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	if err := printJSON(check); err != nil {
		return err
	}
	if !check.Recoverable {
		return fmt.Errorf("key %s is not recoverable: %s", check.KeyID, check.Error)
	}
	return nil
}

// do sends the request and returns the body. Non-2xx responses are errors
// but the body is still returned.
func do(req *http.Request) ([]byte, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return respBody, errors.New(resp.Status)
	}
	return respBody, nil
}

// adminID identifies an admin by the hash of their public key PEM.
func adminID(pubPEM []byte) string {
	h := sha256.Sum256(pubPEM)
	return hex.EncodeToString(h[:])
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
