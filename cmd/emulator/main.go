package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/schjonhaug/tapcustody/internal/emulator"
	"github.com/schjonhaug/tapcustody/internal/keys"
	"github.com/schjonhaug/tapcustody/internal/observability"
	"github.com/schjonhaug/tapcustody/internal/protocol"
)

func die(err error) {
	fmt.Println(err)
	os.Exit(1)
}

// devFactoryKey stands in for the chip vendor's signing key on emulated cards. Point
// FACTORY_ROOT_PUBKEY at the printed public key to let the service issue them.
func devFactoryKey() *btcec.PrivateKey {
	seed := sha256.Sum256([]byte("tapcustody emulator factory"))
	key, _ := btcec.PrivKeyFromBytes(seed[:])
	return key
}

func main() {

	socket := flag.String("socket", emulator.DefaultSocket, "unix socket to listen on")
	uidHex := flag.String("uid", "04112233445566", "7 byte card UID in hex")
	masterHex := flag.String("master", os.Getenv("MASTER_KEY_HEX"), "service master key in hex")
	factoryHex := flag.String("factory", "", "factory private key in hex; a fixed development key when empty")
	debug := flag.Bool("debug", false, "log every frame")
	flag.Parse()

	if *debug {
		observability.EnableDebugLogging()
	}

	uid, err := hex.DecodeString(*uidHex)
	if err != nil {
		die(fmt.Errorf("uid: %w", err))
	}
	master, err := hex.DecodeString(*masterHex)
	if err != nil {
		die(fmt.Errorf("master: %w", err))
	}
	deriver, err := keys.NewDeriver(master)
	if err != nil {
		die(err)
	}

	factory := devFactoryKey()
	if *factoryHex != "" {
		raw, err := hex.DecodeString(*factoryHex)
		if err != nil {
			die(fmt.Errorf("factory: %w", err))
		}
		factory, _ = btcec.PrivKeyFromBytes(raw)
	}

	tokenID := protocol.TokenIDFromUID(uid)
	card, err := emulator.Personalize(deriver, tokenID, uid, factory)
	if err != nil {
		die(err)
	}

	_ = os.Remove(*socket)
	listener, err := net.Listen("unix", *socket)
	if err != nil {
		die(err)
	}

	fmt.Println("Token:", tokenID)
	fmt.Println("Factory root public key:", hex.EncodeToString(factory.PubKey().SerializeCompressed()))
	fmt.Println("Listening on", *socket)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := emulator.Serve(ctx, listener, card); err != nil {
		die(err)
	}
	_ = os.Remove(*socket)

}
