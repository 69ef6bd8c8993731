// Command sharectl is the administrator tool for master key custody. It
// generates admin keypairs, splits a master key into signed shares, and
// submits shares to a locked server during recovery.
package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/teekit/securestore/httpserver"
	"github.com/teekit/securestore/sealing"
)

var flagServer *cli.StringFlag = &cli.StringFlag{
	Name:  "server-addr",
	Value: "http://127.0.0.1:8080/admin",
	Usage: "recovery API address of the storage server",
}
var flagAdminID *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-id",
	Value: "",
	Usage: "admin identifier registered with the server",
}
var flagPrivkeyFile *cli.StringFlag = &cli.StringFlag{
	Name:  "privkey-file",
	Value: "admin-key.b64",
	Usage: "path to the admin ed25519 private key (base64)",
}
var flagPubkeyFile *cli.StringFlag = &cli.StringFlag{
	Name:  "pubkey-file",
	Value: "admin-key.pub.b64",
	Usage: "path to the admin ed25519 public key (base64)",
}
var flagAdminsFile *cli.StringFlag = &cli.StringFlag{
	Name:  "admins-file",
	Value: "admins.json",
	Usage: "JSON file mapping admin IDs to base64 public keys",
}
var flagMasterKey *cli.StringFlag = &cli.StringFlag{
	Name:  "master-key",
	Value: "",
	Usage: "hex-encoded 32-byte master key; generated when empty",
}
var flagThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "number of shares needed to reconstruct the master key",
}
var flagShareFile *cli.StringFlag = &cli.StringFlag{
	Name:  "share-file",
	Value: "share.json",
	Usage: "path to the share file",
}

// shareFile is the on-disk form of one distributed share.
type shareFile struct {
	AdminID    string `json:"admin_id"`
	ShareIndex int    `json:"share_index"`
	Share      []byte `json:"share"`
}

func main() {
	app := &cli.App{
		Name:           "sharectl",
		Usage:          "manage master key shares",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:        "status",
				Description: "Query the recovery state of a storage server.",
				Flags:       []cli.Flag{flagServer},
				Action:      runStatus,
			},
			{
				Name:        "generate-admin",
				Description: "Generate an admin ed25519 keypair.",
				Flags:       []cli.Flag{flagPrivkeyFile, flagPubkeyFile},
				Action:      runGenerateAdmin,
			},
			{
				Name: "split",
				Description: "Split a master key into one share per admin listed in the " +
					"admins file. Shares are written next to the admins file, one per admin.",
				Flags:  []cli.Flag{flagAdminsFile, flagMasterKey, flagThreshold},
				Action: runSplit,
			},
			{
				Name:        "submit",
				Description: "Sign a share and submit it to a locked storage server.",
				Flags:       []cli.Flag{flagServer, flagAdminID, flagPrivkeyFile, flagShareFile},
				Action:      runSubmit,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runStatus(cCtx *cli.Context) error {
	resp, err := http.Get(cCtx.String(flagServer.Name) + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(bytes.TrimSpace(body)))
	return nil
}

func runGenerateAdmin(cCtx *cli.Context) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cCtx.String(flagPrivkeyFile.Name),
		[]byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(cCtx.String(flagPubkeyFile.Name),
		[]byte(base64.StdEncoding.EncodeToString(pub)), 0o644); err != nil {
		return err
	}
	fmt.Printf("public key: %s\n", base64.StdEncoding.EncodeToString(pub))
	return nil
}

func runSplit(cCtx *cli.Context) error {
	raw, err := os.ReadFile(cCtx.String(flagAdminsFile.Name))
	if err != nil {
		return err
	}
	var admins map[string]string
	if err := json.Unmarshal(raw, &admins); err != nil {
		return fmt.Errorf("parsing admins file: %w", err)
	}
	if len(admins) == 0 {
		return fmt.Errorf("admins file is empty")
	}

	// Stable admin order so share indices match across runs.
	ids := make([]string, 0, len(admins))
	for id := range admins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pubKeys := make([]ed25519.PublicKey, 0, len(ids))
	for _, id := range ids {
		pk, err := base64.StdEncoding.DecodeString(admins[id])
		if err != nil {
			return fmt.Errorf("decoding key for admin %q: %w", id, err)
		}
		pubKeys = append(pubKeys, ed25519.PublicKey(pk))
	}

	var masterKey []byte
	if keyHex := cCtx.String(flagMasterKey.Name); keyHex != "" {
		masterKey, err = hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("invalid master key: %w", err)
		}
	} else {
		masterKey = make([]byte, 32)
		if _, err := rand.Read(masterKey); err != nil {
			return err
		}
		fmt.Printf("generated master key: %s\n", hex.EncodeToString(masterKey))
	}

	_, shares, err := sealing.NewShamirBootstrap(masterKey, sealing.ShamirConfig{
		Threshold:    cCtx.Int(flagThreshold.Name),
		AdminPubKeys: pubKeys,
	}, slog.Default())
	if err != nil {
		return err
	}

	for i, id := range ids {
		out, err := json.MarshalIndent(shareFile{AdminID: id, ShareIndex: i, Share: shares[i]}, "", "  ")
		if err != nil {
			return err
		}
		path := fmt.Sprintf("share-%s.json", id)
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}

func runSubmit(cCtx *cli.Context) error {
	adminID := cCtx.String(flagAdminID.Name)
	if adminID == "" {
		return fmt.Errorf("admin-id is required")
	}

	privRaw, err := os.ReadFile(cCtx.String(flagPrivkeyFile.Name))
	if err != nil {
		return err
	}
	priv, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(privRaw)))
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key file: %v", err)
	}

	shareRaw, err := os.ReadFile(cCtx.String(flagShareFile.Name))
	if err != nil {
		return err
	}
	var sf shareFile
	if err := json.Unmarshal(shareRaw, &sf); err != nil {
		return fmt.Errorf("parsing share file: %w", err)
	}

	sub := httpserver.ShareSubmission{
		AdminID:    adminID,
		ShareIndex: sf.ShareIndex,
		Share:      sf.Share,
		Signature:  sealing.SignShare(sf.Share, ed25519.PrivateKey(priv)),
	}
	body, err := json.Marshal(sub)
	if err != nil {
		return err
	}

	resp, err := http.Post(cCtx.String(flagServer.Name)+"/share", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("share rejected (%d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	fmt.Println(string(bytes.TrimSpace(respBody)))
	return nil
}
