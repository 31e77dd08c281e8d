// Package p2p owns the libp2p host and the gossipsub instance the signaling
// relay runs on.
package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/halcyonchat/huddle/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("autonat", "warn")
}

// Node is one client's network endpoint: a libp2p host plus the gossipsub
// router every relay channel is a topic on.
type Node struct {
	Host   host.Host
	PubSub *pubsub.PubSub

	mdns      mdns.Service
	startTime time.Time
}

// Options configure the node.
type Options struct {
	ListenPort     int
	KeyFile        string
	MdnsTag        string
	BootstrapPeers []string
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New brings up the host: persistent identity, TCP listener, LAN discovery
// via mDNS, gossipsub, and best-effort dials to any configured bootstrap
// peers.
func New(ctx context.Context, opts Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", opts.KeyFile)
	} else {
		log.Printf("P2P: loaded identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:      h,
		PubSub:    ps,
		mdns:      md,
		startTime: time.Now(),
	}

	for _, addr := range opts.BootstrapPeers {
		go n.dialBootstrap(addr)
	}

	log.Printf("P2P: node up, peer id %s, port %d", h.ID(), opts.ListenPort)
	return n, nil
}

// dialBootstrap connects to one configured peer. Failures are logged only;
// bootstrap peers are a convenience for WAN setups where mDNS cannot see the
// other side.
func (n *Node) dialBootstrap(addr string) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		log.Printf("P2P: bad bootstrap address %q: %v", addr, err)
		return
	}
	pi, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		log.Printf("P2P: bootstrap address %q has no peer id: %v", addr, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.Host.Connect(ctx, *pi); err != nil {
		log.Printf("P2P: bootstrap dial %s: %v", pi.ID, err)
		return
	}
	log.Printf("P2P: connected to bootstrap peer %s", pi.ID)
}

// ID returns the host's peer id string.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

// PeerCount returns how many peers the host is currently connected to.
func (n *Node) PeerCount() int {
	return len(n.Host.Network().Peers())
}

// Uptime reports how long the node has been running.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime)
}

// Close shuts the discovery service and the host down.
func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}
