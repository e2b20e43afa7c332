// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command swarmd downloads (and then seeds) a single torrent.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andres-erbsen/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/btswarm/swarmd/core"
	"github.com/btswarm/swarmd/metainfo"
	"github.com/btswarm/swarmd/metrics"
	"github.com/btswarm/swarmd/pieceset"
	"github.com/btswarm/swarmd/store"
	"github.com/btswarm/swarmd/supervisor"
	"github.com/btswarm/swarmd/tracker"
)

const (
	exitOK           = 0
	exitBadArgs      = 1
	exitParseError   = 2
	exitStoreError   = 3
	exitNetworkError = 4
)

var (
	port           int
	dir            string
	metricsBackend string
	statsdHostPort string
	downloadOnly   bool
)

func main() {
	root := &cobra.Command{
		Use:   "swarmd INPUT",
		Short: "Download and seed a single BitTorrent v1 torrent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
		SilenceUsage: true,
	}
	root.Flags().IntVarP(&port, "port", "p", 4444, "TCP port to listen for incoming peer connections on")
	root.Flags().StringVarP(&dir, "dir", "d", ".", "output directory for downloaded files")
	root.Flags().StringVar(&metricsBackend, "metrics-backend", "disabled", "metrics reporter backend: disabled, statsd, or m3")
	root.Flags().StringVar(&statsdHostPort, "statsd-host-port", "", "host:port of the statsd daemon, when --metrics-backend=statsd")
	root.Flags().BoolVar(&downloadOnly, "download-only", false, "exit with status 0 once the download completes, instead of seeding until a signal")

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch err.(type) {
	case parseError:
		return exitParseError
	case storeError:
		return exitStoreError
	case networkError:
		return exitNetworkError
	default:
		return exitBadArgs
	}
}

type parseError struct{ error }
type storeError struct{ error }
type networkError struct{ error }

func run(input string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger: %s", err)
	}
	sugar := logger.Sugar()
	defer sugar.Sync()

	desc, err := metainfo.Parse(input)
	if err != nil {
		return parseError{fmt.Errorf("parse torrent: %s", err)}
	}
	sugar.Infow("parsed torrent", "info_hash", desc.InfoHash, "num_pieces", desc.NumPieces(), "total_length", desc.TotalLength)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storeError{fmt.Errorf("create output dir: %s", err)}
	}

	clk := clock.New()

	stats, statsCloser, err := metrics.New(metrics.Config{
		Backend: metricsBackend,
		Statsd:  metrics.StatsdConfig{HostPort: statsdHostPort, Prefix: "swarmd"},
	}, desc.InfoHash.Hex())
	if err != nil {
		return networkError{fmt.Errorf("init metrics: %s", err)}
	}
	defer statsCloser.Close()

	partial, err := store.Open(dir, desc, sugar)
	if err != nil {
		return storeError{fmt.Errorf("open store: %s", err)}
	}

	missing := missingPieces(desc, partial)
	pieces := pieceset.NewFromIndices(missing)

	sup := supervisor.New(desc, partial, pieces, clk, stats, sugar)

	acc, err := supervisor.NewAcceptor(fmt.Sprintf(":%d", port), desc, sup, clk, sugar)
	if err != nil {
		return networkError{fmt.Errorf("listen: %s", err)}
	}
	defer acc.Close()
	go func() {
		if err := acc.Serve(); err != nil {
			sugar.Infow("acceptor stopped", "error", err)
		}
	}()

	poller := tracker.NewPoller(desc, partial, uint16(port), clk, sugar)

	pollDone := make(chan struct{})
	pollErrCh := make(chan error, 1)
	go func() {
		pollErrCh <- poller.Run(pollDone, func(peers []core.PeerAddr) {
			for _, addr := range peers {
				if addr.String() == fmt.Sprintf(":%d", port) {
					continue
				}
				go func(addr core.PeerAddr) {
					if err := sup.Connect(addr); err != nil {
						sugar.Debugw("failed to connect to peer", "peer", addr, "error", err)
					}
				}(addr)
			}
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if downloadOnly {
		select {
		case <-sigCh:
			sugar.Infow("received shutdown signal")
		case <-sup.Completed():
			sugar.Infow("download complete, exiting (--download-only)")
		}
	} else {
		<-sigCh
		sugar.Infow("received shutdown signal")
	}

	close(pollDone)
	<-pollErrCh
	sup.Stop()

	return nil
}

// missingPieces returns the indices of every piece not yet held, in order.
func missingPieces(desc *core.TorrentDescriptor, s *store.PartialStore) []int {
	var missing []int
	for i := 0; i < desc.NumPieces(); i++ {
		if !s.Have(i) {
			missing = append(missing, i)
		}
	}
	return missing
}
