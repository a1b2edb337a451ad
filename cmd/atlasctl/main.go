// Command atlasctl signs in to Atlas from a terminal and manages the caller's devices.
package main

import (
	"fmt"
	"io"
	"os"
)

const usage = `atlasctl - Atlas sign-in and device management

Usage:
  atlasctl <command> [options]

Commands:
  login                 Sign in (password, then code, device and clinic steps as needed)
  logout                End the stored session
  devices list          List devices signed in to the account
  devices revoke <id>   Sign a device out
  trust status          Show whether this machine is a trusted device
  trust clear           Forget the trusted-device record on this machine

Run 'atlasctl <command> --help' for the options of a command, e.g.:
  atlasctl login --email vet@clinic.com --remember-device
`

func main() {
	os.Exit(run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}
	switch args[1] {
	case "login":
		return runLogin(args[2:], stdin, stdout, stderr)
	case "logout":
		return runLogout(args[2:], stdout, stderr)
	case "devices":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: atlasctl devices <list|revoke>")
			return 1
		}
		switch args[2] {
		case "list":
			return runDevicesList(args[3:], stdout, stderr)
		case "revoke":
			return runDevicesRevoke(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stderr, "Unknown devices command: %s\n", args[2])
			return 1
		}
	case "trust":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: atlasctl trust <status|clear>")
			return 1
		}
		return runTrust(args[2], args[3:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
