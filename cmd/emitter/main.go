// The emitter process: scheduled pattern selection and signal emission
// under the cross-process lock.
package main

import (
	"context"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/contracts"
	"github.com/resofield/jamnet/internal/diag"
	"github.com/resofield/jamnet/internal/emitter"
	"github.com/resofield/jamnet/internal/market"
	"github.com/resofield/jamnet/internal/nonce"
	"github.com/resofield/jamnet/internal/pattern"
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
		logger.NewDefault("emitter").WithError(err).Fatal("configuration invalid")
	}
	log := logger.New("emitter", cfg.LogLevel)

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

	w, err := wallet.FromHex(cfg.PrivateKey, cfg.ChainID)
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

	watcher, err := market.NewWatcher(client, table, log.Named("market"))
	if err != nil {
		log.WithError(err).Fatal("market watcher init failed")
	}
	dmap, err := contracts.NewDMAP(common.HexToAddress(cfg.DMAPAddress))
	if err != nil {
		log.WithError(err).Fatal("registry binding failed")
	}

	nonces := nonce.NewManager(client, w.Address(), log.Named("nonce"))
	selector := pattern.NewSelector(table, log.Named("selector"))

	em := emitter.New(cfg, client, w, nonces, records, states, selector, watcher, dmap, log)

	diagSrv := diag.NewServer(cfg.DiagAddr, "emitter", log.Named("diag"))
	diagSrv.RegisterCheck("rpc", func() string {
		if len(client.Endpoints()) == 0 {
			return "no endpoints"
		}
		return ""
	})

	log.WithField("wallet", w.Address().Hex()).
		WithField("interval", cfg.DetectInterval().String()).
		Info("emitter configured")

	if err := system.Run(context.Background(), log, states.ReleaseLockIfOwned, em, diagSrv); err != nil {
		log.WithError(err).Error("emitter exited with error")
		os.Exit(1)
	}
}
