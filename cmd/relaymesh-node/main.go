package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"relaymesh/internal/attest"
	"relaymesh/internal/config"
	"relaymesh/internal/crypto"
	"relaymesh/internal/metrics"
	"relaymesh/internal/pprofutil"
	"relaymesh/internal/pubsub"
	"relaymesh/internal/rlog"
	"relaymesh/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("relaymesh-node", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dialFlag := fs.String("dial", "", "comma-separated list of host:port peers to dial as solicited upstreams")
	nullPlugins := fs.Bool("null-plugins", false, "use the always-succeed null attester/witnesser instead of the XChaCha20-Poly1305/SHA3 default")
	attestKeyHex := fs.String("attest-key", "", "32-byte hex pre-shared key for the default attester (required unless -null-plugins)")

	cfg, err := config.Parse(fs, args)
	if err != nil {
		return 1
	}
	if err := config.WriteSnapshot(cfg); err != nil {
		fmt.Fprintf(stderr, "writing config snapshot: %v\n", err)
		return 1
	}

	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}

	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		fmt.Fprintf(stderr, "generating node key: %v\n", err)
		return 1
	}
	pub, err := crypto.PublicFromPrivate(priv)
	if err != nil {
		fmt.Fprintf(stderr, "deriving node public key: %v\n", err)
		return 1
	}

	var attester attest.Attester
	var witnesser attest.Witnesser
	if *nullPlugins {
		attester, witnesser = attest.NullAttester{}, attest.NullWitnesser{}
	} else {
		attestKey, err := hex.DecodeString(strings.TrimSpace(*attestKeyHex))
		if err != nil || len(attestKey) != crypto.XKeySize {
			fmt.Fprintf(stderr, "-attest-key must be a %d-byte hex pre-shared key shared by every node in the mesh\n", crypto.XKeySize)
			return 1
		}
		da, err := attest.NewDefaultAttester(attestKey)
		if err != nil {
			fmt.Fprintf(stderr, "building default attester: %v\n", err)
			return 1
		}
		dw, err := attest.NewDefaultWitnesser(pub)
		if err != nil {
			fmt.Fprintf(stderr, "building default witnesser: %v\n", err)
			return 1
		}
		attester, witnesser = da, dw
	}

	mgr := transport.NewManager(transport.Config{EnableCutThrough: cfg.EnableCutThrough, LocalStaticPK: pub})
	if err := mgr.Bind(cfg.BindAddr); err != nil {
		fmt.Fprintf(stderr, "bind %s: %v\n", cfg.BindAddr, err)
		return 1
	}
	defer mgr.Shutdown()

	m := metrics.New()
	app := &standaloneAppDelegate{channels: cfg.Channels, log: stdout}
	node, err := pubsub.NewNode(mgr, cfg, app, attester, witnesser, priv, m)
	if err != nil {
		fmt.Fprintf(stderr, "constructing node: %v\n", err)
		return 1
	}
	if err := node.Start(); err != nil {
		fmt.Fprintf(stderr, "starting node: %v\n", err)
		return 1
	}
	defer node.Stop()

	udpAddr, _ := mgr.LocalAddr().(interface{ String() string })
	fmt.Fprintf(stdout, "READY addr=%s node_pubkey=%s channels=%v\n", udpAddr, nodePubkeyHex(attester, pub), cfg.Channels)

	for _, raw := range splitNonEmpty(*dialFlag, ",") {
		host, err := transport.ParseAddress(raw)
		if err != nil {
			fmt.Fprintf(stderr, "skipping invalid --dial peer %q: %v\n", raw, err)
			continue
		}
		if err := node.Dial(host, nil); err != nil {
			fmt.Fprintf(stderr, "dial %s: %v\n", raw, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	rlog.Logf("relaymesh-node: shutting down")
	if err := m.WriteSnapshot(cfg.MetricsSnapshotPath); err != nil {
		fmt.Fprintf(stderr, "writing metrics snapshot: %v\n", err)
	}
	return 0
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nodePubkeyHex(attester attest.Attester, pub []byte) string {
	switch attester.(type) {
	case attest.NullAttester:
		return "none"
	default:
		return hex.EncodeToString(pub)
	}
}

// standaloneAppDelegate is the ApplicationDelegate for the bare relaymesh-node
// binary: it subscribes to every channel passed via -channels and logs every
// inbound message instead of handing it to a real block-analysis client.
type standaloneAppDelegate struct {
	channels []uint16
	log      io.Writer
}

func (a *standaloneAppDelegate) Channels() []uint16 { return a.channels }

func (a *standaloneAppDelegate) DidSubscribe(n *pubsub.Node, channel uint16) {
	fmt.Fprintf(a.log, "subscribed channel=%d\n", channel)
}

func (a *standaloneAppDelegate) DidUnsubscribe(n *pubsub.Node, channel uint16) {
	fmt.Fprintf(a.log, "unsubscribed channel=%d\n", channel)
}

func (a *standaloneAppDelegate) DidRecvMessage(n *pubsub.Node, payload []byte, header []byte, channel uint16, msgID uint64) {
	fmt.Fprintf(a.log, "message channel=%d msg_id=%d bytes=%d\n", channel, msgID, len(payload))
}

func (a *standaloneAppDelegate) ShouldAccept(addr transport.Address) bool { return true }

// ManageSubscriptions is notified after the node's own peer-set bookkeeping
// has already run (promotion out of sol_standby_conns happens inside Node
// itself); the binary just logs the resulting shape for operators.
func (a *standaloneAppDelegate) ManageSubscriptions(maxSol int, sol, standby []*transport.Conn) {
	fmt.Fprintf(a.log, "peers sol=%d/%d standby=%d\n", len(sol), maxSol, len(standby))
}
