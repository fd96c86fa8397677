// dks-keygen manages the client's long-term key pair in the system keyring.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/cli"
	"github.com/4ourtune/dks-client-sub000/pkg/keys"
)

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] create|show|delete\n", os.Args[0])
	fmt.Println("")
	fmt.Println("  create  Generate a key pair if none exists and print the public key.")
	fmt.Println("  show    Print the stored public key.")
	fmt.Println("  delete  Remove the stored key pair.")
	fmt.Println("")
	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var debug bool
	config, err := cli.NewConfig(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	config.RegisterCommandLineFlags()
	flag.Parse()
	if debug {
		log.SetLevel(log.LevelDebug)
	}
	config.ReadFromEnvironment()

	if flag.NArg() != 1 {
		Usage()
		return
	}

	storage, err := config.Storage()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening secure storage: %s\n", err)
		return
	}
	store := keys.NewStore(storage)

	switch flag.Arg(0) {
	case "create":
		key, err := store.EnsureKeyPair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating key pair: %s\n", err)
			return
		}
		fmt.Println(key.PublicHex())
	case "show":
		key, found, err := store.KeyPair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading key pair: %s\n", err)
			return
		}
		if !found {
			fmt.Fprintln(os.Stderr, "No key pair enrolled. Run 'create' first.")
			return
		}
		fmt.Println(key.PublicHex())
	case "delete":
		if err := store.DeleteKeyPair(); err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting key pair: %s\n", err)
			return
		}
		fmt.Println("Key pair deleted.")
	default:
		Usage()
		return
	}
	status = 0
}
