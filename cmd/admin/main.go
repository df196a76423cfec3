package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ruteri/social-recovery-backend/api/custodyhandler"
	"github.com/ruteri/social-recovery-backend/cmd/flags"
	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/custody"
	"github.com/urfave/cli/v2"
)

var flagAdminPrivkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagAdmins *cli.StringFlag = &cli.StringFlag{
	Name:  "admins-file",
	Value: "custody-admins.json",
	Usage: "Path to the custody admins file",
}
var flagShareFile *cli.StringFlag = &cli.StringFlag{
	Name:  "share-file",
	Value: "archive-share.json",
	Usage: "Path to this admin's sealed share",
}
var flagSharesDir *cli.StringFlag = &cli.StringFlag{
	Name:  "shares-dir",
	Value: "shares",
	Usage: "Directory receiving one sealed share file per admin",
}
var flagArchivePubkey *cli.StringFlag = &cli.StringFlag{
	Name:  "archive-pubkey-file",
	Value: "archive-public.pem",
	Usage: "Path to write the archive public key to",
}
var flagThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "Shares needed to rebuild the archive key",
}

func readAdminKeys(cCtx *cli.Context) (adminID string, publicKeyPEM, privateKeyPEM []byte, err error) {
	publicKeyPEM, err = os.ReadFile(cCtx.String(flagAdminPubkey.Name))
	if err != nil {
		return "", nil, nil, err
	}
	privateKeyPEM, err = os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return "", nil, nil, err
	}
	return custody.AdminID(publicKeyPEM), publicKeyPEM, privateKeyPEM, nil
}

func main() {
	app := &cli.App{
		Name:           "admin",
		Usage:          "Manage split custody of the backup archive key",
		DefaultCommand: "status",
		Flags:          flags.ClientFlags,
		Commands: []*cli.Command{
			&cli.Command{
				Name:  "status",
				Usage: "Show whether the server's archive key is unlocked",
				Action: func(cCtx *cli.Context) error {
					serverURL, err := flags.ServerURL(cCtx)
					if err != nil {
						return err
					}
					client := custodyhandler.NewClient(serverURL, "", nil, flags.SetupLogger(cCtx))
					status, err := client.Status(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			&cli.Command{
				Name:  "generate-admin",
				Usage: "Generate an admin key pair",
				Flags: []cli.Flag{
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					publicKeyPEM, privateKeyPEM, err := cryptoutils.GenerateSealingKey()
					if err != nil {
						return fmt.Errorf("failed to generate admin key: %w", err)
					}

					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), privateKeyPEM, 0600); err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), publicKeyPEM, 0644); err != nil {
						return err
					}

					fmt.Printf("Admin ID: %s\n", custody.AdminID(publicKeyPEM))
					return nil
				},
			},
			&cli.Command{
				Name:  "generate-admins-config",
				Usage: "Collect admin public keys into an admins file",
				Flags: []cli.Flag{
					flagAdmins,
					&cli.StringSliceFlag{
						Name:     "admin-pubkey-files",
						Required: true,
					},
				},
				Action: func(cCtx *cli.Context) error {
					config := custody.AdminsConfig{}

					for _, pubkey := range cCtx.StringSlice("admin-pubkey-files") {
						publicKeyPEM, err := os.ReadFile(pubkey)
						if err != nil {
							return err
						}
						config.Admins = append(config.Admins, custody.AdminMetadata{
							ID:     custody.AdminID(publicKeyPEM),
							PubKey: string(publicKeyPEM),
						})
					}

					configBytes, err := json.MarshalIndent(config, "", "  ")
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagAdmins.Name), configBytes, 0644)
				},
			},
			&cli.Command{
				Name:  "split-archive-key",
				Usage: "Generate the archive key and split it among the admins",
				Description: "Writes the archive public key, to be passed to recoveryd, and one sealed share per admin. " +
					"The private key is never written.",
				Flags: []cli.Flag{
					flagAdmins,
					flagSharesDir,
					flagArchivePubkey,
					flagThreshold,
				},
				Action: func(cCtx *cli.Context) error {
					f, err := os.Open(cCtx.String(flagAdmins.Name))
					if err != nil {
						return err
					}
					defer f.Close()
					admins, err := custody.LoadAdminKeys(f)
					if err != nil {
						return err
					}

					publicKeyPEM, privateKeyPEM, err := cryptoutils.GenerateSealingKey()
					if err != nil {
						return err
					}
					shares, err := custody.SplitKey(privateKeyPEM, admins, cCtx.Int(flagThreshold.Name))
					if err != nil {
						return err
					}

					dir := cCtx.String(flagSharesDir.Name)
					if err := os.MkdirAll(dir, 0700); err != nil {
						return err
					}
					for _, share := range shares {
						data, err := json.MarshalIndent(share, "", "  ")
						if err != nil {
							return err
						}
						if err := os.WriteFile(filepath.Join(dir, share.AdminID+".json"), data, 0600); err != nil {
							return err
						}
					}
					if err := os.WriteFile(cCtx.String(flagArchivePubkey.Name), publicKeyPEM, 0644); err != nil {
						return err
					}

					fmt.Printf("Split archive key into %d shares, threshold %d\n", len(shares), cCtx.Int(flagThreshold.Name))
					return nil
				},
			},
			&cli.Command{
				Name:  "submit-share",
				Usage: "Open this admin's share and submit it to the server",
				Flags: []cli.Flag{
					flagAdminPrivkey,
					flagAdminPubkey,
					flagShareFile,
				},
				Action: func(cCtx *cli.Context) error {
					adminID, publicKeyPEM, privateKeyPEM, err := readAdminKeys(cCtx)
					if err != nil {
						return err
					}
					privateKey, err := custody.ParsePrivateKey(privateKeyPEM)
					if err != nil {
						return err
					}

					data, err := os.ReadFile(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					var sealed custody.SealedShare
					if err := json.Unmarshal(data, &sealed); err != nil {
						return err
					}
					if sealed.AdminID != adminID {
						return fmt.Errorf("share belongs to admin %s, not %s", sealed.AdminID, adminID)
					}

					share, err := custody.OpenShare(sealed, publicKeyPEM, privateKeyPEM)
					if err != nil {
						return fmt.Errorf("failed to open share: %w", err)
					}
					signature, err := custody.SignShare(share, privateKey)
					if err != nil {
						return err
					}

					serverURL, err := flags.ServerURL(cCtx)
					if err != nil {
						return err
					}
					client := custodyhandler.NewClient(serverURL, adminID, privateKey, flags.SetupLogger(cCtx))
					status, err := client.SubmitShare(cCtx.Context, share, signature)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
