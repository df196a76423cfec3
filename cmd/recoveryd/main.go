package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/social-recovery-backend/api/custodyhandler"
	"github.com/ruteri/social-recovery-backend/api/guardianhandler"
	"github.com/ruteri/social-recovery-backend/api/recoveryhandler"
	"github.com/ruteri/social-recovery-backend/cmd/flags"
	"github.com/ruteri/social-recovery-backend/commitment"
	"github.com/ruteri/social-recovery-backend/common"
	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/custody"
	"github.com/ruteri/social-recovery-backend/dedup"
	"github.com/ruteri/social-recovery-backend/httpserver"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/ledger"
	"github.com/ruteri/social-recovery-backend/metrics"
	"github.com/ruteri/social-recovery-backend/recovery"
	"github.com/ruteri/social-recovery-backend/registry"
	"github.com/ruteri/social-recovery-backend/storage"
	"github.com/urfave/cli/v2"
)

var (
	flagListenAddr = &cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		EnvVars: []string{"RECOVERY_LISTEN_ADDR"},
		Usage:   "address to listen on for API",
	}
	flagOperatorKey = &cli.StringFlag{
		Name:    "operator-key",
		EnvVars: []string{"RECOVERY_OPERATOR_KEY"},
		Usage:   "keystore or hex key file used to send ledger transactions. Without it the ledger is read-only",
	}
	flagOperatorPassphrase = &cli.StringFlag{
		Name:    "operator-passphrase",
		EnvVars: []string{"RECOVERY_OPERATOR_PASSPHRASE"},
		Usage:   "passphrase of the operator keystore",
	}
	flagStorage = &cli.StringSliceFlag{
		Name:    "storage",
		Value:   cli.NewStringSlice("memory://"),
		EnvVars: []string{"RECOVERY_STORAGE"},
		Usage:   "guardian record storage URIs (memory://, file://, sqlite://, vault://, s3://). Several URIs are replicated",
	}
	flagHasher = &cli.StringFlag{
		Name:    "hasher",
		Value:   commitment.HasherKeccak251,
		EnvVars: []string{"RECOVERY_HASHER"},
		Usage:   "commitment hash function: '" + commitment.HasherKeccak251 + "' or '" + commitment.HasherLegacyMix32 + "' (compatibility only)",
	}
	flagAllowDegraded = &cli.BoolFlag{
		Name:  "allow-degraded-signatures",
		Value: false,
		Usage: "accept degraded approval signatures (development only)",
	}
	flagDedupTTL = &cli.DurationFlag{
		Name:  "dedup-ttl",
		Value: 2 * time.Second,
		Usage: "how long ledger reads are memoized. 0 only coalesces concurrent reads",
	}
	flagDedupSize = &cli.IntFlag{
		Name:  "dedup-size",
		Value: 4096,
		Usage: "maximum number of memoized ledger reads",
	}
	flagIPFSAPI = &cli.StringFlag{
		Name:    "ipfs-api",
		EnvVars: []string{"RECOVERY_IPFS_API"},
		Usage:   "IPFS HTTP API for backup archives. Without it archives go to the record storage",
	}
	flagArchivePassphrase = &cli.StringFlag{
		Name:    "archive-passphrase",
		EnvVars: []string{"RECOVERY_ARCHIVE_PASSPHRASE"},
		Usage:   "passphrase sealing archived backups",
	}
	flagArchivePublicKey = &cli.StringFlag{
		Name:  "archive-public-key",
		Usage: "PEM P-256 public key sealing archived backups, instead of a passphrase",
	}
	flagArchivePrivateKey = &cli.StringFlag{
		Name:  "archive-private-key",
		Usage: "PEM P-256 private key matching archive-public-key. Needed to restore",
	}
	flagCustodyAdmins = &cli.StringFlag{
		Name:  "custody-admins-file",
		Usage: "admins file holding shares of the archive private key. Restores stay locked until enough admins submit their shares",
	}
	flagCustodyThreshold = &cli.IntFlag{
		Name:  "custody-threshold",
		Value: 2,
		Usage: "admin shares needed to unlock the archive private key",
	}
	flagLinkBaseURL = &cli.StringFlag{
		Name:    "link-base-url",
		Value:   "https://recovery.example/restore",
		EnvVars: []string{"RECOVERY_LINK_BASE_URL"},
		Usage:   "base URL of generated recovery links",
	}
)

func main() {
	app := &cli.App{
		Name:  "recoveryd",
		Usage: "Serve the guardian social recovery API",
		Flags: append([]cli.Flag{
			flagListenAddr,
			flags.RpcAddrFlag,
			flags.ContractFlag,
			flags.DomainTagFlag,
			flagOperatorKey,
			flagOperatorPassphrase,
			flagStorage,
			flagHasher,
			flagAllowDegraded,
			flagDedupTTL,
			flagDedupSize,
			flagIPFSAPI,
			flagArchivePassphrase,
			flagArchivePublicKey,
			flagArchivePrivateKey,
			flagCustodyAdmins,
			flagCustodyThreshold,
			flagLinkBaseURL,
		}, flags.CommonFlags...),
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))

	hasher, err := commitment.HasherByName(cCtx.String(flagHasher.Name))
	if err != nil {
		logger.Error("Invalid hasher", "err", err)
		return err
	}
	if cCtx.String(flagHasher.Name) == commitment.HasherLegacyMix32 {
		logger.Warn("Using the legacy 32-bit commitment hash, commitments are not collision resistant")
	}
	engine := commitment.NewEngine(hasher)

	baseLedger, authority, err := setupLedger(cCtx, logger, hasher)
	if err != nil {
		return err
	}
	ledgerClient := dedup.NewLedger(baseLedger, cCtx.Int(flagDedupSize.Name), cCtx.Duration(flagDedupTTL.Name), logger)

	storageFactory := storage.NewStorageBackendFactory(logger)
	store, err := storageFactory.CreateMultiBackend(cCtx.StringSlice(flagStorage.Name))
	if err != nil {
		logger.Error("Failed to create storage", "err", err)
		return err
	}
	reg := registry.NewRegistry(store, engine, logger)

	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		logger.Error("Failed to create metrics server", "err", err)
		return err
	}
	recoveryMetrics, err := recovery.NewMetrics(metricsSrv.Namespace(), metricsSrv.Registerer())
	if err != nil {
		logger.Error("Failed to register recovery metrics", "err", err)
		return err
	}

	coordinator := recovery.NewCoordinator(recovery.Config{
		DomainTag:               cCtx.String(flags.DomainTagFlag.Name),
		Authority:               authority,
		AllowDegradedSignatures: cCtx.Bool(flagAllowDegraded.Name),
	}, ledgerClient, engine, logger, recovery.WithMetrics(recoveryMetrics))

	handlerCfg, unsealer, err := setupArchive(cCtx, logger, store)
	if err != nil {
		logger.Error("Failed to configure backup archive", "err", err)
		return err
	}
	handlerCfg.LinkBaseURL = cCtx.String(flagLinkBaseURL.Name)

	handlers := []httpserver.RouteRegistrar{
		guardianhandler.NewHandler(reg, coordinator, handlerCfg, logger),
		recoveryhandler.NewHandler(coordinator, logger),
	}
	if unsealer != nil {
		handlers = append(handlers, custodyhandler.NewHandler(unsealer, logger))
	}

	server, err := httpserver.New(cfg, metricsSrv, handlers...)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting server", "authority", authority.Hex(), "domainTag", cCtx.String(flags.DomainTagFlag.Name))
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

// setupLedger connects to the deployed contract, or runs an in-process
// ledger when no contract is configured.
func setupLedger(cCtx *cli.Context, logger *slog.Logger, hasher commitment.Hasher) (interfaces.Ledger, ethcommon.Address, error) {
	contract := cCtx.String(flags.ContractFlag.Name)
	if contract == "" {
		authority := ethcommon.HexToAddress("0x000000000000000000000000000000000000dEaD")
		logger.Warn("No contract configured, using in-memory ledger", "authority", authority.Hex())
		memLedger := ledger.NewMemoryLedger(ledger.MemoryLedgerConfig{
			DomainTag:               cCtx.String(flags.DomainTagFlag.Name),
			Authority:               authority,
			Hasher:                  hasher,
			AllowDegradedSignatures: cCtx.Bool(flagAllowDegraded.Name),
		})
		memLedger.SetTransactOpts()
		return memLedger, authority, nil
	}
	if !ethcommon.IsHexAddress(contract) {
		return nil, ethcommon.Address{}, fmt.Errorf("invalid contract address %q", contract)
	}
	authority := ethcommon.HexToAddress(contract)

	rpcAddress := cCtx.String(flags.RpcAddrFlag.Name)
	logger.Info("Connecting to Ethereum RPC", "address", rpcAddress)
	ethClient, err := ethclient.Dial(rpcAddress)
	if err != nil {
		logger.Error("Failed to dial RPC", "err", err)
		return nil, ethcommon.Address{}, err
	}

	var auth *bind.TransactOpts
	if keyFile := cCtx.String(flagOperatorKey.Name); keyFile != "" {
		key, err := cryptoutils.LoadGuardianKey(keyFile, cCtx.String(flagOperatorPassphrase.Name))
		if err != nil {
			logger.Error("Failed to load operator key", "err", err)
			return nil, ethcommon.Address{}, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		chainID, err := ethClient.ChainID(ctx)
		if err != nil {
			logger.Error("Failed to fetch chain id", "err", err)
			return nil, ethcommon.Address{}, err
		}
		auth, err = bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			return nil, ethcommon.Address{}, err
		}
		logger.Info("Ledger transactions enabled", "operator", auth.From.Hex(), "chainId", chainID)
	} else {
		logger.Warn("No operator key configured, ledger is read-only")
	}

	client, err := ledger.NewLedgerFactory(ethClient, ethClient, auth).LedgerFor(authority)
	if err != nil {
		logger.Error("Failed to bind ledger contract", "err", err)
		return nil, ethcommon.Address{}, err
	}
	return client, authority, nil
}

// setupArchive picks the archive store and the sealer for archived backups.
// Archiving stays disabled without a sealer. With a custody admins file the
// archive private key is never configured directly: it is rebuilt from admin
// shares at runtime.
func setupArchive(cCtx *cli.Context, logger *slog.Logger, store interfaces.KVStore) (guardianhandler.Config, *custody.Unsealer, error) {
	var cfg guardianhandler.Config
	var unsealer *custody.Unsealer

	switch {
	case cCtx.String(flagArchivePublicKey.Name) != "":
		publicKey, err := os.ReadFile(cCtx.String(flagArchivePublicKey.Name))
		if err != nil {
			return cfg, nil, fmt.Errorf("failed to read archive public key: %w", err)
		}

		if adminsFile := cCtx.String(flagCustodyAdmins.Name); adminsFile != "" {
			if cCtx.String(flagArchivePrivateKey.Name) != "" {
				return cfg, nil, errors.New("archive-private-key cannot be combined with custody-admins-file")
			}
			f, err := os.Open(adminsFile)
			if err != nil {
				return cfg, nil, err
			}
			defer f.Close()
			admins, err := custody.LoadAdminKeys(f)
			if err != nil {
				return cfg, nil, err
			}
			unsealer, err = custody.NewUnsealer(custody.Config{
				Threshold:    cCtx.Int(flagCustodyThreshold.Name),
				Admins:       admins,
				PublicKeyPEM: publicKey,
			}, logger)
			if err != nil {
				return cfg, nil, err
			}
			logger.Info("Archive key in split custody, restores locked until unlocked by admins",
				"admins", len(admins), "threshold", cCtx.Int(flagCustodyThreshold.Name))
			cfg.Sealer = unsealer
			break
		}

		var privateKey []byte
		if path := cCtx.String(flagArchivePrivateKey.Name); path != "" {
			if privateKey, err = os.ReadFile(path); err != nil {
				return cfg, nil, fmt.Errorf("failed to read archive private key: %w", err)
			}
		}
		sealer, err := cryptoutils.NewKeySealer(publicKey, privateKey)
		if err != nil {
			return cfg, nil, err
		}
		cfg.Sealer = sealer
	case cCtx.String(flagArchivePassphrase.Name) != "":
		sealer, err := cryptoutils.NewPassphraseSealer(cCtx.String(flagArchivePassphrase.Name))
		if err != nil {
			return cfg, nil, err
		}
		cfg.Sealer = sealer
	case cCtx.String(flagArchivePrivateKey.Name) != "", cCtx.String(flagCustodyAdmins.Name) != "":
		return cfg, nil, errors.New("archive-private-key and custody-admins-file require archive-public-key")
	default:
		logger.Info("No archive sealer configured, backup archiving disabled")
		return cfg, nil, nil
	}

	if apiURL := cCtx.String(flagIPFSAPI.Name); apiURL != "" {
		logger.Info("Archiving backups to IPFS", "api", apiURL)
		cfg.Archive = storage.NewIPFSArchive(apiURL, 30*time.Second, logger)
	} else {
		cfg.Archive = storage.NewKVArchive(store, logger)
	}
	return cfg, unsealer, nil
}
