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

// Package tracker implements TrackerPoller: periodic HTTP(S) announces to a
// torrent's tracker, decoding the compact peer list from its bencoded
// response.
package tracker

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/jackpal/bencode-go"
	"go.uber.org/zap"

	"github.com/btswarm/swarmd/core"
	"github.com/btswarm/swarmd/store"
)

// MinReannounceInterval bounds how often the poller will hit the tracker
// even if the tracker asks for a shorter interval or returns zero.
const MinReannounceInterval = 30 * time.Second

// DefaultReannounceInterval is used when the tracker's response omits an
// interval entirely.
const DefaultReannounceInterval = 5 * time.Minute

// compactPeerSize is the wire size of one compact peer entry: 4 bytes IPv4
// + 2 bytes port.
const compactPeerSize = 6

type trackerResponse struct {
	Interval   int    `bencode:"interval"`
	Peers      string `bencode:"peers"`
	FailReason string `bencode:"failure reason"`
}

// Event names the libtorrent-style announce event parameter.
type Event string

// Announce events.
const (
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
	EventNone      Event = ""
)

// Poller periodically announces to a torrent's tracker and reports the
// peers it returns.
type Poller struct {
	desc       *core.TorrentDescriptor
	store      *store.PartialStore
	listenPort uint16
	clk        clock.Clock
	logger     *zap.SugaredLogger
	httpClient *http.Client
}

// NewPoller constructs a Poller for desc, reporting listenPort as the local
// peer's listening port on every announce.
func NewPoller(desc *core.TorrentDescriptor, partial *store.PartialStore, listenPort uint16, clk clock.Clock, logger *zap.SugaredLogger) *Poller {
	return &Poller{
		desc:       desc,
		store:      partial,
		listenPort: listenPort,
		clk:        clk,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Run announces in a loop, invoking onPeers with the peer list of every
// successful reannounce, until done is closed. The first announce uses
// EventStarted and only sets the interval: its peer list is not passed to
// onPeers, and the first reannounce follows it immediately. The loop exits
// (after a best-effort EventStopped announce) when done closes.
func (p *Poller) Run(done <-chan struct{}, onPeers func([]core.PeerAddr)) error {
	interval, err := p.announceWithRetry(EventStarted)
	if err != nil {
		return fmt.Errorf("initial announce: %s", err)
	}

	for {
		peers, nextInterval, annErr := p.announce(EventNone)
		if annErr == nil {
			onPeers(peers)
			interval = nextInterval
		} else {
			p.logger.Warnw("reannounce failed, will retry next cycle", "error", annErr)
		}

		select {
		case <-done:
			p.announceBestEffort(EventStopped)
			return nil
		case <-p.clk.After(reannounceDelay(interval)):
		}
	}
}

func reannounceDelay(interval time.Duration) time.Duration {
	if interval < MinReannounceInterval {
		return MinReannounceInterval
	}
	return interval
}

// announceWithRetry wraps a single announce in cenkalti/backoff, bounding
// the initial connection attempt so a transient DNS or network blip at
// startup doesn't fail the whole download.
func (p *Poller) announceWithRetry(event Event) (time.Duration, error) {
	var interval time.Duration
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute

	op := func() error {
		var err error
		_, interval, err = p.announce(event)
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		return 0, err
	}
	return interval, nil
}

func (p *Poller) announceBestEffort(event Event) {
	if _, _, err := p.announce(event); err != nil {
		p.logger.Warnw("best-effort announce failed", "event", event, "error", err)
	}
}

// announce performs a single tracker request and parses the response.
func (p *Poller) announce(event Event) ([]core.PeerAddr, time.Duration, error) {
	progress := p.store.Progress()

	q := url.Values{}
	q.Set("info_hash", string(p.desc.InfoHash.Bytes()))
	q.Set("peer_id", string(p.desc.PeerID.Bytes()))
	q.Set("port", strconv.Itoa(int(p.listenPort)))
	q.Set("uploaded", strconv.FormatInt(progress.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(progress.Downloaded, 10))
	q.Set("left", strconv.FormatInt(progress.Left, 10))
	q.Set("compact", "1")
	if event != EventNone {
		q.Set("event", string(event))
	}

	reqURL := p.desc.AnnounceURL + "?" + q.Encode()
	resp, err := p.httpClient.Get(reqURL)
	if err != nil {
		return nil, 0, fmt.Errorf("announce request: %s", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read announce response: %s", err)
	}

	var tr trackerResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &tr); err != nil {
		return nil, 0, fmt.Errorf("decode announce response: %s", err)
	}
	if tr.FailReason != "" {
		return nil, 0, fmt.Errorf("tracker failure: %s", tr.FailReason)
	}

	peers, err := decodeCompactPeers(tr.Peers)
	if err != nil {
		return nil, 0, fmt.Errorf("decode compact peers: %s", err)
	}

	interval := DefaultReannounceInterval
	if tr.Interval > 0 {
		interval = time.Duration(tr.Interval) * time.Second
	}

	return peers, interval, nil
}

// decodeCompactPeers parses the compact peer list: 6 bytes per peer, 4 bytes
// IPv4 followed by 2 bytes big-endian port. A length that is not a multiple
// of 6 invalidates the whole field, since there is no way to tell which
// entry is malformed.
func decodeCompactPeers(raw string) ([]core.PeerAddr, error) {
	if len(raw)%compactPeerSize != 0 {
		return nil, fmt.Errorf("compact peers field has length %d, not a multiple of %d", len(raw), compactPeerSize)
	}

	n := len(raw) / compactPeerSize
	peers := make([]core.PeerAddr, n)
	for i := 0; i < n; i++ {
		off := i * compactPeerSize
		ip := fmt.Sprintf("%d.%d.%d.%d", raw[off], raw[off+1], raw[off+2], raw[off+3])
		port := uint16(raw[off+4])<<8 | uint16(raw[off+5])
		peers[i] = core.PeerAddr{IP: ip, Port: port}
	}
	return peers, nil
}
