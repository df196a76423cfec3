package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/social-recovery-backend/api"
	"github.com/ruteri/social-recovery-backend/api/guardianhandler"
	"github.com/ruteri/social-recovery-backend/api/recoveryhandler"
	"github.com/ruteri/social-recovery-backend/cmd/flags"
	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/signer"
	"github.com/urfave/cli/v2"
)

var flagKeyFile = &cli.StringFlag{
	Name:    "key",
	Value:   "guardian.json",
	EnvVars: []string{"GUARDIAN_KEY"},
	Usage:   "guardian key file, JSON keystore or hex",
}
var flagPassphrase = &cli.StringFlag{
	Name:    "passphrase",
	EnvVars: []string{"GUARDIAN_PASSPHRASE"},
	Usage:   "passphrase of the guardian keystore",
}
var flagLightKDF = &cli.BoolFlag{
	Name:  "light-kdf",
	Usage: "use weaker scrypt parameters for the new keystore",
}
var flagAccount = &cli.StringFlag{
	Name:     "account",
	Required: true,
	Usage:    "account being recovered",
}
var flagNewAccount = &cli.StringFlag{
	Name:     "new-account",
	Required: true,
	Usage:    "account taking over",
}
var flagAuthority = &cli.StringFlag{
	Name:     "authority",
	Required: true,
	Usage:    "recovery contract address bound into the message",
}
var flagMessage = &cli.StringFlag{
	Name:     "message",
	Required: true,
	Usage:    "hex approval digest to sign",
}

func main() {
	app := &cli.App{
		Name:  "guardian",
		Usage: "Manage a guardian key and approve account recoveries",
		Flags: flags.ClientFlags,
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Generate a guardian key and store it as an encrypted keystore",
				Flags: []cli.Flag{flagKeyFile, flagPassphrase, flagLightKDF},
				Action: func(cCtx *cli.Context) error {
					path := cCtx.String(flagKeyFile.Name)
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s already exists", path)
					}
					if cCtx.String(flagPassphrase.Name) == "" {
						return errors.New("a passphrase is required")
					}

					key, err := crypto.GenerateKey()
					if err != nil {
						return err
					}
					scryptN, scryptP := keystore.StandardScryptN, keystore.StandardScryptP
					if cCtx.Bool(flagLightKDF.Name) {
						scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
					}
					if err := cryptoutils.SaveGuardianKey(path, key, cCtx.String(flagPassphrase.Name), scryptN, scryptP); err != nil {
						return err
					}

					fmt.Printf("Guardian address: %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())
					fmt.Printf("Keystore written to %s\n", path)
					return nil
				},
			},
			{
				Name:  "address",
				Usage: "Print the guardian address",
				Flags: []cli.Flag{flagKeyFile, flagPassphrase},
				Action: func(cCtx *cli.Context) error {
					holder, err := loadHolder(cCtx)
					if err != nil {
						return err
					}
					fmt.Println(holder.Address().Hex())
					return nil
				},
			},
			{
				Name:  "message",
				Usage: "Compute the approval digest for a recovery without contacting a server",
				Flags: []cli.Flag{flagAccount, flagNewAccount, flagAuthority, flags.DomainTagFlag},
				Action: func(cCtx *cli.Context) error {
					oldAccount, newAccount, err := recoveryAccounts(cCtx)
					if err != nil {
						return err
					}
					if !ethcommon.IsHexAddress(cCtx.String(flagAuthority.Name)) {
						return fmt.Errorf("invalid authority %q", cCtx.String(flagAuthority.Name))
					}
					msg, err := signer.CanonicalMessage(cCtx.String(flags.DomainTagFlag.Name), ethcommon.HexToAddress(cCtx.String(flagAuthority.Name)), oldAccount, newAccount)
					if err != nil {
						return err
					}
					fmt.Println(msg)
					return nil
				},
			},
			{
				Name:  "sign",
				Usage: "Sign an approval digest",
				Flags: []cli.Flag{flagKeyFile, flagPassphrase, flagMessage},
				Action: func(cCtx *cli.Context) error {
					msg, err := signer.ParseMessage(cCtx.String(flagMessage.Name))
					if err != nil {
						return err
					}
					holder, err := loadHolder(cCtx)
					if err != nil {
						return err
					}
					guardian := interfaces.AddressFromEthereum(holder.Address())
					sig, err := signer.NewSigner(flags.SetupLogger(cCtx), []signer.KeyHolder{holder}).Sign(cCtx.Context, msg, guardian)
					if err != nil {
						return err
					}
					fmt.Println(sig)
					return nil
				},
			},
			{
				Name:  "approve",
				Usage: "Approve a pending recovery on the server",
				Flags: []cli.Flag{flagKeyFile, flagPassphrase, flagAccount, flagNewAccount},
				Action: func(cCtx *cli.Context) error {
					oldAccount, newAccount, err := recoveryAccounts(cCtx)
					if err != nil {
						return err
					}
					holder, err := loadHolder(cCtx)
					if err != nil {
						return err
					}
					logger := flags.SetupLogger(cCtx)
					serverURL, err := flags.ServerURL(cCtx)
					if err != nil {
						return err
					}

					req, err := Approve(cCtx.Context, &Clients{
						Recovery:  recoveryhandler.NewClient(serverURL, logger),
						Guardians: guardianhandler.NewClient(serverURL, logger),
					}, signer.NewSigner(logger, []signer.KeyHolder{holder}), interfaces.AddressFromEthereum(holder.Address()), oldAccount, newAccount)
					if err != nil {
						return err
					}
					return printJSON(req)
				},
			},
			{
				Name:  "status",
				Usage: "Show the recovery state of an account",
				Flags: []cli.Flag{flagAccount},
				Action: func(cCtx *cli.Context) error {
					account, err := interfaces.NewAddressFromHex(cCtx.String(flagAccount.Name))
					if err != nil {
						return err
					}
					client, err := recoveryClient(cCtx)
					if err != nil {
						return err
					}
					req, err := client.Get(cCtx.Context, account)
					if err != nil {
						return err
					}
					return printJSON(req)
				},
			},
			{
				Name:  "initiate",
				Usage: "Open a recovery moving account to new-account",
				Flags: []cli.Flag{flagAccount, flagNewAccount},
				Action: func(cCtx *cli.Context) error {
					oldAccount, newAccount, err := recoveryAccounts(cCtx)
					if err != nil {
						return err
					}
					client, err := recoveryClient(cCtx)
					if err != nil {
						return err
					}
					req, err := client.Initiate(cCtx.Context, oldAccount, newAccount)
					if err != nil {
						return err
					}
					return printJSON(req)
				},
			},
			{
				Name:  "finalize",
				Usage: "Finalize an approved recovery",
				Flags: []cli.Flag{flagAccount},
				Action: func(cCtx *cli.Context) error {
					account, err := interfaces.NewAddressFromHex(cCtx.String(flagAccount.Name))
					if err != nil {
						return err
					}
					client, err := recoveryClient(cCtx)
					if err != nil {
						return err
					}
					req, err := client.Finalize(cCtx.Context, account)
					if err != nil {
						return err
					}
					return printJSON(req)
				},
			},
			{
				Name:  "accounts",
				Usage: "List the accounts this guardian protects",
				Flags: []cli.Flag{flagKeyFile, flagPassphrase},
				Action: func(cCtx *cli.Context) error {
					holder, err := loadHolder(cCtx)
					if err != nil {
						return err
					}
					serverURL, err := flags.ServerURL(cCtx)
					if err != nil {
						return err
					}
					client := guardianhandler.NewClient(serverURL, flags.SetupLogger(cCtx))
					accounts, err := client.ProtectedBy(cCtx.Context, interfaces.AddressFromEthereum(holder.Address()))
					if err != nil {
						return err
					}
					return printJSON(api.AccountsResponse{Guardian: interfaces.AddressFromEthereum(holder.Address()), Accounts: accounts})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// Clients groups the server APIs used to approve a recovery.
type Clients struct {
	Recovery  *recoveryhandler.Client
	Guardians *guardianhandler.Client
}

// Approve fetches the approval digest from the server, checks it against a
// locally computed one, signs it and submits the approval with the
// guardian's inclusion proof.
func Approve(ctx context.Context, clients *Clients, s *signer.Signer, guardian, oldAccount, newAccount interfaces.Address) (*interfaces.RecoveryRequest, error) {
	res, err := clients.Recovery.Message(ctx, oldAccount, newAccount)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch approval message: %w", err)
	}
	msg, err := signer.ParseMessage(res.Message)
	if err != nil {
		return nil, err
	}
	expected, err := signer.CanonicalMessage(res.DomainTag, res.Authority, oldAccount, newAccount)
	if err != nil {
		return nil, err
	}
	if msg != expected {
		return nil, fmt.Errorf("server message %s does not match %s", msg, expected)
	}

	proof, err := clients.Guardians.Proof(ctx, oldAccount, guardian)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch inclusion proof: %w", err)
	}

	sig, err := s.Sign(ctx, msg, guardian)
	if err != nil {
		return nil, err
	}

	return clients.Recovery.Approve(ctx, oldAccount, api.ApprovalRequest{
		Guardian:  guardian,
		Signature: sig,
		Proof:     proof.Proof,
	})
}

func loadHolder(cCtx *cli.Context) (*signer.LocalKeyHolder, error) {
	key, err := cryptoutils.LoadGuardianKey(cCtx.String(flagKeyFile.Name), cCtx.String(flagPassphrase.Name))
	if err != nil {
		return nil, err
	}
	return signer.NewLocalKeyHolder(key), nil
}

func recoveryAccounts(cCtx *cli.Context) (oldAccount, newAccount interfaces.Address, err error) {
	oldAccount, err = interfaces.NewAddressFromHex(cCtx.String(flagAccount.Name))
	if err != nil {
		return
	}
	newAccount, err = interfaces.NewAddressFromHex(cCtx.String(flagNewAccount.Name))
	return
}

func recoveryClient(cCtx *cli.Context) (*recoveryhandler.Client, error) {
	serverURL, err := flags.ServerURL(cCtx)
	if err != nil {
		return nil, err
	}
	return recoveryhandler.NewClient(serverURL, flags.SetupLogger(cCtx)), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
