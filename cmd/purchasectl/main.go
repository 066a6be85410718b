package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

// options are shared by every subcommand.
type options struct {
	RPCURL     string `long:"rpc" env:"CHAIN_RPC_URL" description:"JSON-RPC endpoint of the node"`
	PrivateKey string `long:"key" env:"CHAIN_PRIVATE_KEY" default-mask:"-" description:"Hex private key used to sign purchases"`
}

func main() {
	var opts options
	app := &cli{opts: &opts, out: os.Stdout}

	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "purchasectl"
	mustAdd(parser.AddCommand("buy", "Buy asset tokens", "Runs a purchase for the signing wallet and prints progress as it happens.", &buyCommand{cli: app}))
	mustAdd(parser.AddCommand("status", "Show a transaction's status", "Looks up a transaction hash on the ledger.", &statusCommand{cli: app}))
	mustAdd(parser.AddCommand("balance", "Show balance and allowance", "Reads the payment-token balance and the sale contract's allowance.", &balanceCommand{cli: app}))
	mustAdd(parser.AddCommand("assets", "List assets for sale", "Prints the configured asset catalog.", &assetsCommand{cli: app}))

	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func mustAdd(_ *flags.Command, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
