// Command meshd is a small demo binary wiring a mesh/core.Core over the
// in-memory loopback transport, the way the teacher's cmd/ binaries wire a
// node.Node.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
	"github.com/bitchat-mesh/mesh/mesh/channel"
	"github.com/bitchat-mesh/mesh/mesh/config"
	"github.com/bitchat-mesh/mesh/mesh/core"
	"github.com/bitchat-mesh/mesh/mesh/handler"
	"github.com/bitchat-mesh/mesh/mesh/noise"
	"github.com/bitchat-mesh/mesh/mesh/packet"
	"github.com/bitchat-mesh/mesh/mesh/transport"
)

var logger = meshlog.NewModuleLogger(meshlog.Core)

var (
	nicknameFlag = cli.StringFlag{Name: "nickname", Value: "anon", Usage: "local display nickname"}
	dataDirFlag  = cli.StringFlag{Name: "datadir", Value: "", Usage: "store-and-forward/avoid-list database directory (empty: in-memory)"}
	configFlag   = cli.StringFlag{Name: "config", Value: "", Usage: "TOML configuration file, applied over the built-in defaults"}
)

func main() {
	app := cli.NewApp()
	app.Name = "meshd"
	app.Usage = "bitchat mesh engine demo node"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{nicknameFlag, dataDirFlag, configFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// demoDelegate prints every delegate callback to stdout; it keeps no
// favorites and no channel keys, matching a bare smoke-test node rather
// than a full chat client.
type demoDelegate struct {
	nickname string
}

func newDemoDelegate(nickname string) *demoDelegate {
	return &demoDelegate{nickname: nickname}
}

func (d *demoDelegate) OnMessageReceived(msg handler.BitchatMessage) {
	scope := "public"
	if msg.IsPrivate {
		scope = "private"
	}
	fmt.Printf("[%s] %s: %s\n", scope, msg.Sender, msg.Content)
}

func (d *demoDelegate) OnChannelLeave(channelName string, from packet.PeerID) {
	fmt.Printf("%s left #%s\n", from.String(), channelName)
}

func (d *demoDelegate) OnPeerLeft(from packet.PeerID) {
	fmt.Printf("%s left\n", from.String())
}

func (d *demoDelegate) OnPeerRemoved(id packet.PeerID) {
	fmt.Printf("%s timed out\n", id.String())
}

func (d *demoDelegate) OnPeerListUpdated(ids []packet.PeerID) {
	logger.Debug("peer list updated", "count", len(ids))
}

func (d *demoDelegate) OnDeliveryAck(msgID string, from packet.PeerID) {
	fmt.Printf("delivered: %s (by %s)\n", msgID, from.String())
}

func (d *demoDelegate) OnReadReceipt(msgID string, from packet.PeerID) {
	fmt.Printf("read: %s (by %s)\n", msgID, from.String())
}

func (d *demoDelegate) IsFavorite(id packet.PeerID) bool { return false }

func (d *demoDelegate) OnKeyExchangeCompleted(id packet.PeerID, staticPub [32]byte) {
	logger.Debug("noise handshake established", "peer", id.String())
}

func (d *demoDelegate) DecryptChannelMessage(data []byte, channelName string) (string, bool) {
	key, err := channel.DeriveChannelKey(channelName, "")
	if err != nil {
		return "", false
	}
	plain, err := channel.OpenChannelMessage(key, data)
	if err != nil {
		return "", false
	}
	return string(plain), true
}

func (d *demoDelegate) GetNickname() (string, bool) { return d.nickname, d.nickname != "" }

func run(ctx *cli.Context) error {
	nickname := ctx.String("nickname")
	dataDir := ctx.String("datadir")

	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	noisePriv, noisePub, err := noise.GenerateStaticKeypair()
	if err != nil {
		return err
	}
	var id packet.PeerID
	copy(id[:], signingPub[:8])

	cfg := config.DefaultConfig
	if file := ctx.String("config"); file != "" {
		if err := config.LoadFile(file, &cfg); err != nil {
			return err
		}
	}
	if dataDir != "" {
		cfg = cfg.WithDataDir(dataDir)
	}

	delegate := newDemoDelegate(nickname)
	identity := core.Identity{ID: id, SigningPub: signingPub, SigningKey: signingPriv, NoisePub: noisePub, NoisePriv: noisePriv}

	engine, err := core.New(cfg, identity, delegate)
	if err != nil {
		return err
	}

	loop := transport.NewLoopback(id.String(), engineSink{engine})
	engine.AddTransport(loop)

	engine.Start()
	logger.Info("meshd started", "id", id.String(), "nickname", nickname)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	engine.Stop()
	return nil
}

// engineSink adapts *core.Core to transport.Sink.
type engineSink struct{ engine *core.Core }

func (s engineSink) OnPacket(p *packet.Packet, relayAddress string) {
	s.engine.ProcessIncoming(p, relayAddress)
}
func (s engineSink) OnDeviceConnected(addr string)    { logger.Info("device connected", "addr", addr) }
func (s engineSink) OnDeviceDisconnected(addr string) { logger.Info("device disconnected", "addr", addr) }
func (s engineSink) OnRSSI(addr string, rssi int16)   {}
