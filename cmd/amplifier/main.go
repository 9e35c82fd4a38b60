// The amplifier process: bait-and-capture execution against registry
// signals emitted by our own wallet.
package main

import (
	"context"
	"os"

	"github.com/resofield/jamnet/internal/amplifier"
	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/diag"
	"github.com/resofield/jamnet/internal/echo"
	"github.com/resofield/jamnet/internal/record"
	"github.com/resofield/jamnet/internal/rpc"
	"github.com/resofield/jamnet/internal/system"
	"github.com/resofield/jamnet/internal/wallet"
	"github.com/resofield/jamnet/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("amplifier").WithError(err).Fatal("configuration invalid")
	}
	log := logger.New("amplifier", cfg.LogLevel)

	if cfg.MirrorPrivateKey == "" {
		log.Fatal("MIRROR_PRIVATE_KEY is required for the amplifier")
	}

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
	mirror, err := wallet.FromHex(cfg.MirrorPrivateKey, cfg.ChainID)
	if err != nil {
		log.WithError(err).Fatal("mirror wallet unusable")
	}

	records, err := record.NewStore(cfg.DataDir, log.Named("records"))
	if err != nil {
		log.WithError(err).Fatal("record store init failed")
	}

	bundles := amplifier.NewBundleClient(cfg.BuilderRelayURL, log.Named("bundle"))

	var echoes *echo.Chain
	if cfg.EnableBSVEcho {
		var publishers []echo.Publisher
		if cfg.IPFSPinURL != "" {
			publishers = append(publishers, echo.NewIPFSPinner(cfg.IPFSPinURL, cfg.IPFSPinToken))
		}
		if cfg.AltLedgerURL != "" {
			publishers = append(publishers, echo.NewAltLedger(cfg.AltLedgerURL))
		}
		if len(publishers) > 0 {
			echoes = echo.NewChain(log.Named("echo"), publishers...)
		}
	}

	amp, err := amplifier.New(cfg, table, client, primary, mirror, records, bundles, echoes, log)
	if err != nil {
		log.WithError(err).Fatal("amplifier init failed")
	}

	diagSrv := diag.NewServer(cfg.DiagAddr, "amplifier", log.Named("diag"))
	diagSrv.RegisterCheck("amplifying", func() string {
		if amp.Amplifying() {
			return "amplification in flight"
		}
		return ""
	})

	log.WithField("primary", primary.Address().Hex()).
		WithField("mirror", mirror.Address().Hex()).
		WithField("relay_enabled", bundles.Enabled()).
		Info("amplifier configured")

	if err := system.Run(context.Background(), log, nil, amp, diagSrv); err != nil {
		log.WithError(err).Error("amplifier exited with error")
		os.Exit(1)
	}
}
