// The attributor process: trailing block-scan correlation and on-chain
// yield attestation.
package main

import (
	"context"
	"os"

	"github.com/resofield/jamnet/internal/attributor"
	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/diag"
	"github.com/resofield/jamnet/internal/record"
	"github.com/resofield/jamnet/internal/rpc"
	"github.com/resofield/jamnet/internal/state"
	"github.com/resofield/jamnet/internal/system"
	"github.com/resofield/jamnet/internal/wallet"
	"github.com/resofield/jamnet/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("attributor").WithError(err).Fatal("configuration invalid")
	}
	log := logger.New("attributor", cfg.LogLevel)

	table := config.DefaultChainTable()
	if cfg.ChainTablePath != "" {
		table, err = config.LoadChainTable(cfg.ChainTablePath)
		if err != nil {
			log.WithError(err).Fatal("chain table unreadable")
		}
	}

	client, err := rpc.NewClient(cfg.Endpoints(), log.Named("rpc"))
	if err != nil {
		log.WithError(err).Fatal("rpc client init failed")
	}

	primary, err := wallet.FromHex(cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		log.WithError(err).Fatal("primary wallet unusable")
	}

	records, err := record.NewStore(cfg.DataDir, log.Named("records"))
	if err != nil {
		log.WithError(err).Fatal("record store init failed")
	}
	states, err := state.NewStore(cfg.DataDir, log.Named("state"))
	if err != nil {
		log.WithError(err).Fatal("state store init failed")
	}

	at, err := attributor.New(cfg, table, client, primary, records, states, log)
	if err != nil {
		log.WithError(err).Fatal("attributor init failed")
	}

	diagSrv := diag.NewServer(cfg.DiagAddr, "attributor", log.Named("diag"))

	log.WithField("wallet", primary.Address().Hex()).
		WithField("vault", cfg.VaultAddress).
		Info("attributor configured")

	if err := system.Run(context.Background(), log, nil, at, diagSrv); err != nil {
		log.WithError(err).Error("attributor exited with error")
		os.Exit(1)
	}
}
