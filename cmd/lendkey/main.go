// Command lendkey seals a keeper private key into a password-protected key
// file and checks existing key files.
//
//	LENDKEY_PRIVATE_KEY=0x... LENDKEY_PASSWORD=... lendkey --out keeper.json
//	LENDKEY_PASSWORD=... lendkey --check keeper.json
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/alanyoungcy/lendliq/internal/crypto"
)

func main() {
	var (
		out        string
		check      string
		iterations int
	)
	pflag.StringVarP(&out, "out", "o", "", "write the sealed key file here (stdout when empty)")
	pflag.StringVar(&check, "check", "", "open an existing key file and print its address")
	pflag.IntVar(&iterations, "iterations", crypto.DefaultIterations, "PBKDF2 iterations")
	pflag.Parse()

	password := os.Getenv("LENDKEY_PASSWORD")
	if password == "" {
		fatalf("LENDKEY_PASSWORD must be set")
	}

	if check != "" {
		data, err := os.ReadFile(check)
		if err != nil {
			fatalf("read %s: %v", check, err)
		}
		key, err := crypto.OpenKey(data, password)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(address(key))
		return
	}

	key := os.Getenv("LENDKEY_PRIVATE_KEY")
	if key == "" {
		fatalf("LENDKEY_PRIVATE_KEY must be set")
	}
	sealed, err := crypto.SealKey(key, password, iterations)
	if err != nil {
		fatalf("%v", err)
	}

	if out == "" {
		fmt.Println(string(sealed))
		return
	}
	if err := os.WriteFile(out, sealed, 0o600); err != nil {
		fatalf("write %s: %v", out, err)
	}
	fmt.Fprintf(os.Stderr, "sealed key for %s written to %s\n", address(key), out)
}

// address derives the liquidator address; the chain id does not affect it.
func address(key string) string {
	signer, err := crypto.NewSigner(key, 1)
	if err != nil {
		fatalf("%v", err)
	}
	return signer.Address()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "lendkey: "+format+"\n", args...)
	os.Exit(1)
}
