// The paymentsd daemon runs the TEE-custodied subscription payment
// engine: it unseals the key vault, establishes the worker's enclave
// identity with the payments contract, and serves the subscription API
// while the monitor executes due charges.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/subpay/tee-subscription-backend/cmd/flags"
	"github.com/subpay/tee-subscription-backend/common"
	"github.com/subpay/tee-subscription-backend/cryptoutils"
	"github.com/subpay/tee-subscription-backend/httpserver"
	"github.com/subpay/tee-subscription-backend/interfaces"
	"github.com/subpay/tee-subscription-backend/issuer"
	"github.com/subpay/tee-subscription-backend/keyvault"
	"github.com/subpay/tee-subscription-backend/ledger"
	"github.com/subpay/tee-subscription-backend/metrics"
	"github.com/subpay/tee-subscription-backend/monitor"
	"github.com/subpay/tee-subscription-backend/storage"
	"github.com/subpay/tee-subscription-backend/subscription"
	"github.com/subpay/tee-subscription-backend/worker"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "paymentsd",
		Usage: "TEE-custodied subscription payment engine",
		Flags: []cli.Flag{
			flags.ListenAddrFlag,
			flags.MetricsAddrFlag,
			flags.RPCAddrFlag,
			flags.DNSServerFlag,
			flags.ContractAddrFlag,
			flags.ChainIDFlag,
			flags.DatabaseFlag,
			flags.MerchantsFileFlag,
			flags.RecordStoreFlag,
			flags.MasterSeedFlag,
			flags.ShamirSharesFileFlag,
			flags.ShamirAdminKeysFlag,
			flags.ShamirThresholdFlag,
			flags.AttestationTypeFlag,
			flags.QuoteProviderFlag,
			flags.MonitorIntervalFlag,
			flags.ChargeTimeoutFlag,
			flags.ChargeParallelismFlag,
			flags.PprofFlag,
			flags.DrainSecondsFlag,
			flags.LogJSONFlag,
			flags.LogDebugFlag,
			flags.LogUIDFlag,
			flags.LogServiceFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := context.Background()

	masterSeed, err := loadMasterSeed(cCtx)
	if err != nil {
		return fmt.Errorf("loading master seed: %w", err)
	}

	records, err := storage.NewFactory(logger).RecordStoreFor(cCtx.String(flags.RecordStoreFlag.Name))
	if err != nil {
		return fmt.Errorf("configuring record store: %w", err)
	}
	if !records.Available(ctx) {
		return fmt.Errorf("record store %s is not available", records.Name())
	}

	vault, err := keyvault.NewEnclaveVault(masterSeed, records, logger)
	if err != nil {
		return fmt.Errorf("initializing key vault: %w", err)
	}

	contractAddr, err := interfaces.NewAccountAddressFromHex(cCtx.String(flags.ContractAddrFlag.Name))
	if err != nil {
		return fmt.Errorf("parsing contract address: %w", err)
	}

	rpcEndpoint, err := ledger.ResolveEndpoint(cCtx.String(flags.RPCAddrFlag.Name), cCtx.String(flags.DNSServerFlag.Name))
	if err != nil {
		return fmt.Errorf("resolving RPC endpoint: %w", err)
	}

	logger.Info("Connecting to ledger RPC", "endpoint", rpcEndpoint)
	ethClient, err := ethclient.Dial(rpcEndpoint)
	if err != nil {
		return fmt.Errorf("dialing ledger RPC: %w", err)
	}
	defer ethClient.Close()

	ledgerClient, err := ledger.NewPaymentsClient(ethClient, ethcommon.BytesToAddress(contractAddr.Bytes()), logger)
	if err != nil {
		return fmt.Errorf("creating ledger client: %w", err)
	}

	provider, err := attestationProvider(cCtx)
	if err != nil {
		return err
	}

	identity, err := worker.NewIdentity(provider, ledgerClient, masterSeed, logger)
	if err != nil {
		return fmt.Errorf("creating worker identity: %w", err)
	}

	account, err := identity.Derive()
	if err != nil {
		return fmt.Errorf("deriving worker identity: %w", err)
	}

	auth, err := identity.TransactOpts(big.NewInt(cCtx.Int64(flags.ChainIDFlag.Name)))
	if err != nil {
		return err
	}
	ledgerClient.SetTransactOpts(auth)

	verified, err := identity.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verifying worker registration: %w", err)
	}
	if !verified {
		// Attestation rejection is fatal: the engine must never charge
		// through an unverified worker.
		if err := identity.Register(ctx); err != nil {
			return fmt.Errorf("registering worker %s: %w", account, err)
		}
		if _, err := identity.Verify(ctx); err != nil {
			return fmt.Errorf("verifying worker registration: %w", err)
		}
	}
	logger.Info("Worker identity established", "account", account.String(), "state", string(identity.Status().State))

	store, err := subscription.NewSQLiteStore(cCtx.String(flags.DatabaseFlag.Name), logger)
	if err != nil {
		return fmt.Errorf("opening subscription store: %w", err)
	}
	defer store.Close()

	if merchantsFile := cCtx.String(flags.MerchantsFileFlag.Name); merchantsFile != "" {
		merchants, err := subscription.LoadMerchantsFile(merchantsFile)
		if err != nil {
			return err
		}
		if err := store.SeedMerchants(ctx, merchants); err != nil {
			return fmt.Errorf("seeding merchant directory: %w", err)
		}
		logger.Info("Seeded merchant directory", "merchants", len(merchants))
	}

	var metricsSrv *metrics.MetricsServer
	var collectors *metrics.Collectors
	if metricsAddr := cCtx.String(flags.MetricsAddrFlag.Name); metricsAddr != "" {
		metricsSrv, err = metrics.New(common.PackageName, metricsAddr)
		if err != nil {
			return fmt.Errorf("creating metrics server: %w", err)
		}
		collectors = metricsSrv.Collectors
	}

	mon := monitor.New(store, vault, ledgerClient, identity, collectors, monitor.Config{
		ChargeTimeout:   time.Duration(cCtx.Int64(flags.ChargeTimeoutFlag.Name)) * time.Second,
		Parallelism:     cCtx.Int(flags.ChargeParallelismFlag.Name),
		DefaultInterval: time.Duration(cCtx.Int64(flags.MonitorIntervalFlag.Name)) * time.Millisecond,
	}, logger)

	// Bring the monitor back up if it was running at last shutdown.
	if err := mon.Resume(ctx); err != nil {
		return fmt.Errorf("resuming monitor: %w", err)
	}

	keyIssuer, err := issuer.NewScopedKeyIssuer(contractAddr, logger)
	if err != nil {
		return err
	}

	handler := httpserver.NewHandler(store, vault, keyIssuer, ledgerClient, identity, mon, logger)
	srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler, metricsSrv)
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutting down")

	srv.Shutdown()
	if err := mon.Stop(ctx); err != nil {
		logger.Error("Stopping monitor failed", "err", err)
	}
	mon.Wait()

	return nil
}

func attestationProvider(cCtx *cli.Context) (cryptoutils.AttestationProvider, error) {
	kind := cCtx.String(flags.AttestationTypeFlag.Name)
	attType, err := cryptoutils.AttestationTypeFromString(kind)
	if err != nil {
		return nil, fmt.Errorf("unknown attestation type %q", kind)
	}

	if addr := cCtx.String(flags.QuoteProviderFlag.Name); addr != "" {
		if attType.StringID != cryptoutils.DCAPAttestation.StringID {
			return nil, fmt.Errorf("remote quote provider requires attestation type %q", cryptoutils.DCAPAttestation.StringID)
		}
		return &cryptoutils.RemoteAttestationProvider{Address: addr}, nil
	}

	if attType.StringID == cryptoutils.DCAPAttestation.StringID {
		return cryptoutils.DCAPAttestationProvider{}, nil
	}
	return cryptoutils.DummyAttestationProvider{}, nil
}

// loadMasterSeed obtains the vault master seed either directly from the
// dev flag or by Shamir recovery from signed administrator shares.
func loadMasterSeed(cCtx *cli.Context) ([]byte, error) {
	if seedHex := cCtx.String(flags.MasterSeedFlag.Name); seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, fmt.Errorf("decoding master seed: %w", err)
		}
		return seed, nil
	}

	sharesFile := cCtx.String(flags.ShamirSharesFileFlag.Name)
	adminKeysFile := cCtx.String(flags.ShamirAdminKeysFlag.Name)
	if sharesFile == "" || adminKeysFile == "" {
		return nil, errors.New("either --master-seed or --shamir-shares-file plus --shamir-admin-keys is required")
	}

	adminKeys, err := loadPEMList(adminKeysFile)
	if err != nil {
		return nil, err
	}

	unsealer, err := keyvault.NewRecoveryUnsealer(keyvault.ShamirConfig{
		Threshold:    cCtx.Int(flags.ShamirThresholdFlag.Name),
		AdminPubKeys: adminKeys,
	})
	if err != nil {
		return nil, err
	}

	shares, err := loadShares(sharesFile)
	if err != nil {
		return nil, err
	}
	for _, share := range shares {
		if err := unsealer.SubmitShare(share.Index, share.shareBytes, share.signatureBytes, share.pubKeyPEM); err != nil {
			return nil, fmt.Errorf("submitting share %d: %w", share.Index, err)
		}
		if unsealer.IsUnlocked() {
			break
		}
	}

	return unsealer.MasterSeed()
}

type adminShare struct {
	Index     int    `json:"index"`
	Share     string `json:"share"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubkey"`

	shareBytes     []byte
	signatureBytes []byte
	pubKeyPEM      []byte
}

func loadShares(path string) ([]adminShare, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading shares file: %w", err)
	}

	var shares []adminShare
	if err := json.Unmarshal(data, &shares); err != nil {
		return nil, fmt.Errorf("parsing shares file: %w", err)
	}

	for i := range shares {
		if shares[i].shareBytes, err = base64.StdEncoding.DecodeString(shares[i].Share); err != nil {
			return nil, fmt.Errorf("decoding share %d: %w", shares[i].Index, err)
		}
		if shares[i].signatureBytes, err = base64.StdEncoding.DecodeString(shares[i].Signature); err != nil {
			return nil, fmt.Errorf("decoding signature %d: %w", shares[i].Index, err)
		}
		shares[i].pubKeyPEM = []byte(shares[i].PubKey)
	}
	return shares, nil
}

func loadPEMList(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading admin keys file: %w", err)
	}

	var pems []string
	if err := json.Unmarshal(data, &pems); err != nil {
		return nil, fmt.Errorf("parsing admin keys file: %w", err)
	}

	keys := make([][]byte, 0, len(pems))
	for _, pem := range pems {
		keys = append(keys, []byte(pem))
	}
	return keys, nil
}
