package main

import (
	"fmt"
	"os"

	"github.com/knot-contrib/nrf24gw/internal/identitystore"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string, regionSize int) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("nrf24gw %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath, regionSize)
	case "identity":
		return cliIdentity(dbPath, regionSize)
	case "reset":
		return cliReset(dbPath, regionSize)
	default:
		return false
	}
}

func cliStatus(dbPath string, regionSize int) bool {
	st, err := identitystore.Open(dbPath, regionSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening identity store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	uuidBytes, err := st.ReadSlot(identitystore.SlotUUID, identitystore.SizeUUID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Identity store: %s\n", dbPath)
	fmt.Printf("UUID: %s\n", string(uuidBytes))
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliIdentity(dbPath string, regionSize int) bool {
	st, err := identitystore.Open(dbPath, regionSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening identity store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	uuidBytes, err := st.ReadSlot(identitystore.SlotUUID, identitystore.SizeUUID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	macBytes, err := st.ReadSlot(identitystore.SlotMAC, identitystore.SizeMAC)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("UUID: %s\n", string(uuidBytes))
	fmt.Printf("MAC:  %s\n", formatMAC(macBytes))
	return true
}

func cliReset(dbPath string, regionSize int) bool {
	st, err := identitystore.Open(dbPath, regionSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening identity store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Reset(); err != nil {
		fmt.Fprintf(os.Stderr, "error resetting identity store: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Identity store reset.")
	return true
}
