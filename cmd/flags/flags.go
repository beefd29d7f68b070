// Package flags holds the shared CLI flag definitions and logger setup
// for the service binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/subpay/tee-subscription-backend/common"
	"github.com/subpay/tee-subscription-backend/httpserver"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the process logger from the log-* flags.
func SetupLogger(cCtx *cli.Context) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJSONFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUIDFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server config from the server flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var RPCAddrFlag = &cli.StringFlag{
	Name:  "rpc-addr",
	Value: "http://127.0.0.1:8545",
	Usage: "ledger RPC endpoint; prefix with srv+ to resolve via DNS SRV",
}

var DNSServerFlag = &cli.StringFlag{
	Name:  "dns-server",
	Value: "",
	Usage: "DNS server for SRV endpoint resolution (default local stub resolver)",
}

var ContractAddrFlag = &cli.StringFlag{
	Name:     "contract-addr",
	Required: true,
	Usage:    "payments contract address, hex",
}

var DatabaseFlag = &cli.StringFlag{
	Name:  "database",
	Value: "subscriptions.db",
	Usage: "path to the subscription SQLite database",
}

var MerchantsFileFlag = &cli.StringFlag{
	Name:  "merchants-file",
	Value: "",
	Usage: "JSON seed file for the merchant directory",
}

var RecordStoreFlag = &cli.StringFlag{
	Name:  "record-store",
	Value: "file://./sealed-keys",
	Usage: "sealed key record store URI (file://, vault://, s3://)",
}

var MasterSeedFlag = &cli.StringFlag{
	Name:  "master-seed",
	Value: "",
	Usage: "hex-encoded vault master seed, at least 32 bytes (dev only; use shamir recovery in production)",
}

var ShamirSharesFileFlag = &cli.StringFlag{
	Name:  "shamir-shares-file",
	Value: "",
	Usage: "JSON file with signed administrator shares for master seed recovery",
}

var ShamirAdminKeysFlag = &cli.StringFlag{
	Name:  "shamir-admin-keys",
	Value: "",
	Usage: "JSON file with administrator public keys (PEM) for share verification",
}

var ShamirThresholdFlag = &cli.IntFlag{
	Name:  "shamir-threshold",
	Value: 2,
	Usage: "number of administrator shares required to reconstruct the master seed",
}

var AttestationTypeFlag = &cli.StringFlag{
	Name:  "attestation-type",
	Value: "dummy",
	Usage: "attestation provider: qemu-tdx or dummy (dev)",
}

var QuoteProviderFlag = &cli.StringFlag{
	Name:  "quote-provider-addr",
	Value: "",
	Usage: "fetch DCAP quotes from a remote quote provider service instead of the local guest device",
}

var MonitorIntervalFlag = &cli.Int64Flag{
	Name:  "monitor-interval-ms",
	Value: 30_000,
	Usage: "default monitoring interval when started without one",
}

var ChargeTimeoutFlag = &cli.Int64Flag{
	Name:  "charge-timeout-seconds",
	Value: 30,
	Usage: "timeout for one ledger charge submission",
}

var ChargeParallelismFlag = &cli.IntFlag{
	Name:  "charge-parallelism",
	Value: 4,
	Usage: "maximum concurrent charge submissions per cycle",
}

var ChainIDFlag = &cli.Int64Flag{
	Name:  "chain-id",
	Value: 1,
	Usage: "chain id for transaction signing",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}

var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}

var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}
