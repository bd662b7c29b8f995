package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schjonhaug/tapcustody/internal/adapters/security"
	"github.com/schjonhaug/tapcustody/internal/emulator"
	"github.com/schjonhaug/tapcustody/internal/observability"
	"github.com/schjonhaug/tapcustody/internal/relay"
)

const usage = `usage: relay [flags] <command> [args]

commands:
  issue <owner-id>             register the card in the field for owner-id (admin)
  initiate <token-id> [to-id]  start a transfer of a token you own
  claim <token-id>             prove possession and take custody of a pending transfer
  auth <token-id>              authenticate the card and end the session
`

func die(err error) {
	var remote *relay.RemoteError
	if errors.As(err, &remote) {
		fmt.Printf("%s (%d): %s\n", remote.Code, remote.StatusCode, remote.Message)
	} else {
		fmt.Println(err)
	}
	os.Exit(1)
}

type transport interface {
	relay.Transport
	io.Closer
}

func main() {

	server := flag.String("server", "http://localhost:8080", "custody service base URL")
	bearer := flag.String("bearer", os.Getenv("CUSTODY_BEARER"), "bearer token")
	secret := flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "sign a local bearer with this secret when -bearer is empty")
	user := flag.String("user", "", "user id for a locally signed bearer")
	admin := flag.Bool("admin", false, "give a locally signed bearer the admin role")
	usePCSC := flag.Bool("pcsc", false, "use a PC/SC reader instead of the emulator socket")
	reader := flag.String("reader", "", "PC/SC reader name filter")
	socket := flag.String("socket", emulator.DefaultSocket, "emulator unix socket")
	generateKey := flag.Bool("server-key", true, "let the service generate the transfer record key")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage); flag.PrintDefaults() }
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	if *debug {
		observability.EnableDebugLogging()
	}

	token := *bearer
	if token == "" {
		if *secret == "" || *user == "" {
			die(errors.New("either -bearer or -jwt-secret with -user is required"))
		}
		signer, err := security.NewHMACSigner(*secret)
		if err != nil {
			die(err)
		}
		role := ""
		if *admin {
			role = security.RoleAdmin
		}
		if token, err = signer.Sign(*user, role, 15*time.Minute); err != nil {
			die(err)
		}
	}
	client := relay.NewClient(*server, token, 10*time.Second)
	ctx := context.Background()

	// initiate needs no card.
	if args[0] == "initiate" {
		to := ""
		if len(args) > 2 {
			to = args[2]
		}
		transferID, err := client.InitiateTransfer(ctx, args[1], to, false)
		if err != nil {
			die(err)
		}
		fmt.Println("Transfer:", transferID)
		return
	}

	var card transport
	var err error
	if *usePCSC {
		card, err = relay.OpenPCSC(*reader)
	} else {
		card, err = relay.DialSocket(*socket, 5*time.Second)
	}
	if err != nil {
		die(err)
	}
	defer card.Close()

	driver := relay.NewDriver(client, relay.New(card), relay.DefaultBackoff())

	switch args[0] {

	case "issue":

		tokenID, err := driver.Issue(ctx, args[1])
		if err != nil {
			die(err)
		}
		fmt.Println("Issued:", tokenID)

	case "claim":

		fingerprint, err := driver.Claim(ctx, args[1], *generateKey)
		if err != nil {
			die(err)
		}
		fmt.Println("Custody transferred:", args[1])
		if fingerprint != "" {
			fmt.Println("Card secret:", fingerprint)
		}

	case "auth":

		sessionID, err := driver.Authenticate(ctx, args[1], false)
		if err != nil {
			die(err)
		}
		if err := client.EndSession(ctx, sessionID); err != nil {
			die(err)
		}
		fmt.Println("Authenticated:", args[1])

	default:
		die(fmt.Errorf("unknown command %q", args[0]))

	}

}
