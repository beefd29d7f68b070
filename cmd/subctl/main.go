// subctl is the operator CLI for the subscription payment service. It
// drives the HTTP API for subscription lifecycle, key issuance, monitor
// control and worker identity, plus offline Shamir share tooling for
// master seed provisioning.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/subpay/tee-subscription-backend/api"
	"github.com/subpay/tee-subscription-backend/api/clients"
	"github.com/subpay/tee-subscription-backend/cryptoutils"
	"github.com/subpay/tee-subscription-backend/keyvault"
	"github.com/urfave/cli/v2"
)

var endpointFlag = &cli.StringFlag{
	Name:  "endpoint",
	Value: "http://127.0.0.1:8080",
	Usage: "payment service API endpoint",
}

func main() {
	app := &cli.App{
		Name:  "subctl",
		Usage: "operator CLI for the subscription payment service",
		Flags: []cli.Flag{endpointFlag},
		Commands: []*cli.Command{
			subscriptionCommand(),
			merchantsCommand(),
			monitorCommand(),
			workerCommand(),
			shamirCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func client(cCtx *cli.Context) *clients.Client {
	return clients.NewClient(cCtx.String(endpointFlag.Name))
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func subscriptionCommand() *cli.Command {
	return &cli.Command{
		Name:    "subscription",
		Aliases: []string{"sub"},
		Usage:   "manage subscriptions",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "create a subscription in pending status",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "merchant", Required: true, Usage: "merchant id"},
					&cli.StringFlag{Name: "payer", Required: true, Usage: "payer account address, hex"},
					&cli.StringFlag{Name: "amount", Required: true, Usage: "charge amount in smallest-denomination units"},
					&cli.Int64Flag{Name: "frequency-seconds", Required: true, Usage: "charge period in seconds"},
					&cli.UintFlag{Name: "max-payments", Usage: "payment cap, 0 for uncapped"},
					&cli.StringFlag{Name: "token", Usage: "token contract address, empty for the native asset"},
				},
				Action: func(cCtx *cli.Context) error {
					resp, err := client(cCtx).CreateSubscription(cCtx.Context, api.CreateSubscriptionRequest{
						MerchantID:       cCtx.String("merchant"),
						Payer:            cCtx.String("payer"),
						Amount:           cCtx.String("amount"),
						FrequencySeconds: cCtx.Int64("frequency-seconds"),
						MaxPayments:      uint32(cCtx.Uint("max-payments")),
						Token:            cCtx.String("token"),
					})
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:      "get",
				Usage:     "fetch one subscription",
				ArgsUsage: "<subscription-id>",
				Action: func(cCtx *cli.Context) error {
					sub, err := client(cCtx).GetSubscription(cCtx.Context, cCtx.Args().First())
					if err != nil {
						return err
					}
					return printJSON(sub)
				},
			},
			{
				Name:  "list",
				Usage: "list a payer's subscriptions",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Required: true, Usage: "payer account address, hex"},
				},
				Action: func(cCtx *cli.Context) error {
					subs, err := client(cCtx).ListSubscriptions(cCtx.Context, cCtx.String("account"))
					if err != nil {
						return err
					}
					return printJSON(subs)
				},
			},
			{
				Name:      "register-key",
				Usage:     "issue a scoped key and print the wallet authorization",
				ArgsUsage: "<subscription-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "allowance", Usage: "gas allowance override, base-10 integer"},
				},
				Action: func(cCtx *cli.Context) error {
					resp, err := client(cCtx).RegisterKey(cCtx.Context, cCtx.Args().First(), api.RegisterKeyRequest{
						Allowance: cCtx.String("allowance"),
					})
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			lifecycleSubcommand("pause", "suspend charging", func(cCtx *cli.Context) error {
				return client(cCtx).Pause(cCtx.Context, cCtx.Args().First())
			}),
			lifecycleSubcommand("resume", "reactivate a paused subscription", func(cCtx *cli.Context) error {
				return client(cCtx).Resume(cCtx.Context, cCtx.Args().First())
			}),
			lifecycleSubcommand("cancel", "terminate the subscription and destroy its key", func(cCtx *cli.Context) error {
				return client(cCtx).Cancel(cCtx.Context, cCtx.Args().First())
			}),
			{
				Name:      "receipts",
				Usage:     "print the charge audit log",
				ArgsUsage: "<subscription-id>",
				Action: func(cCtx *cli.Context) error {
					receipts, err := client(cCtx).Receipts(cCtx.Context, cCtx.Args().First())
					if err != nil {
						return err
					}
					return printJSON(receipts)
				},
			},
		},
	}
}

func lifecycleSubcommand(name, usage string, fn func(*cli.Context) error) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<subscription-id>",
		Action: func(cCtx *cli.Context) error {
			if err := fn(cCtx); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func merchantsCommand() *cli.Command {
	return &cli.Command{
		Name:  "merchants",
		Usage: "print the merchant directory",
		Action: func(cCtx *cli.Context) error {
			merchants, err := client(cCtx).Merchants(cCtx.Context)
			if err != nil {
				return err
			}
			return printJSON(merchants)
		},
	}
}

func monitorCommand() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "control the payment monitor",
		Subcommands: []*cli.Command{
			{
				Name:  "start",
				Usage: "start the monitoring loop",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "interval-ms", Usage: "polling interval, 0 for the service default"},
				},
				Action: func(cCtx *cli.Context) error {
					status, err := client(cCtx).StartMonitor(cCtx.Context, cCtx.Int64("interval-ms"))
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "stop",
				Usage: "stop the monitoring loop",
				Action: func(cCtx *cli.Context) error {
					status, err := client(cCtx).StopMonitor(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "status",
				Usage: "print the monitor state",
				Action: func(cCtx *cli.Context) error {
					status, err := client(cCtx).MonitorStatus(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
		},
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "inspect and register the service's enclave identity",
		Subcommands: []*cli.Command{
			{
				Name:  "verify",
				Usage: "check the worker's on-chain verification status",
				Action: func(cCtx *cli.Context) error {
					resp, err := client(cCtx).VerifyWorker(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:  "register",
				Usage: "submit the worker's attested registration",
				Action: func(cCtx *cli.Context) error {
					resp, err := client(cCtx).RegisterWorker(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:  "check-quote",
				Usage: "verify a raw DCAP quote and print its measurement registers",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "quote", Required: true, Usage: "file containing the raw quote"},
					&cli.StringFlag{Name: "report-data", Usage: "expected 64-byte report data, hex"},
				},
				Action: checkQuote,
			},
		},
	}
}

func checkQuote(cCtx *cli.Context) error {
	quote, err := os.ReadFile(cCtx.String("quote"))
	if err != nil {
		return fmt.Errorf("reading quote file: %w", err)
	}

	var reportData [64]byte
	if rd := cCtx.String("report-data"); rd != "" {
		decoded, err := hex.DecodeString(rd)
		if err != nil {
			return fmt.Errorf("decoding report data: %w", err)
		}
		if len(decoded) != len(reportData) {
			return fmt.Errorf("report data must be %d bytes, got %d", len(reportData), len(decoded))
		}
		copy(reportData[:], decoded)
	}

	measurements, err := cryptoutils.VerifyDCAPAttestation(reportData, quote)
	if err != nil {
		return err
	}
	return printJSON(measurements)
}

func shamirCommand() *cli.Command {
	return &cli.Command{
		Name:  "shamir",
		Usage: "offline master seed share tooling",
		Subcommands: []*cli.Command{
			{
				Name:  "split",
				Usage: "split a master seed into administrator shares",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "seed", Required: true, Usage: "hex-encoded master seed, at least 32 bytes"},
					&cli.IntFlag{Name: "threshold", Value: 2, Usage: "shares required for recovery"},
					&cli.StringFlag{Name: "admin-keys", Required: true, Usage: "JSON file with administrator public keys (PEM)"},
				},
				Action: splitSeed,
			},
			{
				Name:  "sign-share",
				Usage: "sign a share with an administrator private key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Required: true, Usage: "administrator private key file (PEM)"},
					&cli.StringFlag{Name: "share", Required: true, Usage: "base64-encoded share"},
				},
				Action: signShare,
			},
		},
	}
}

func splitSeed(cCtx *cli.Context) error {
	seed, err := hex.DecodeString(cCtx.String("seed"))
	if err != nil {
		return fmt.Errorf("decoding seed: %w", err)
	}

	keysData, err := os.ReadFile(cCtx.String("admin-keys"))
	if err != nil {
		return fmt.Errorf("reading admin keys file: %w", err)
	}
	var pems []string
	if err := json.Unmarshal(keysData, &pems); err != nil {
		return fmt.Errorf("parsing admin keys file: %w", err)
	}
	adminKeys := make([][]byte, 0, len(pems))
	for _, pem := range pems {
		adminKeys = append(adminKeys, []byte(pem))
	}

	_, shares, err := keyvault.SplitSeed(seed, keyvault.ShamirConfig{
		Threshold:    cCtx.Int("threshold"),
		AdminPubKeys: adminKeys,
	})
	if err != nil {
		return err
	}

	type splitShare struct {
		Index int    `json:"index"`
		Share string `json:"share"`
	}
	out := make([]splitShare, 0, len(shares))
	for i, share := range shares {
		out = append(out, splitShare{Index: i, Share: base64.StdEncoding.EncodeToString(share)})
	}
	return printJSON(out)
}

func signShare(cCtx *cli.Context) error {
	keyPEM, err := os.ReadFile(cCtx.String("key"))
	if err != nil {
		return fmt.Errorf("reading private key: %w", err)
	}
	share, err := base64.StdEncoding.DecodeString(cCtx.String("share"))
	if err != nil {
		return fmt.Errorf("decoding share: %w", err)
	}

	signature, err := keyvault.SignShare(keyPEM, share)
	if err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(signature))
	return nil
}
