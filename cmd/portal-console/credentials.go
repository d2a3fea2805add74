package main

import (
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/kocharsoft/portal-console/internal/config"
	"github.com/kocharsoft/portal-console/internal/credentials"
)

// runCredentials manages the encrypted SSH credential bundle.
func runCredentials(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: portal-console credentials <import|show|delete> [flags]")
		os.Exit(1)
	}

	sub := args[0]
	fs := flag.NewFlagSet("credentials "+sub, flag.ExitOnError)

	var (
		dataDir = fs.String("data-dir", config.DefaultDataDir, "Data directory for credentials")
		keyPath = fs.String("key", "", "Path to the SSH private key to import")
		user    = fs.String("user", "", "SSH user for portal hosts")
		port    = fs.Int("port", 22, "SSH port for portal hosts")
	)
	fs.Parse(args[1:])

	credStore := credentials.NewStore(*dataDir)

	switch sub {
	case "import":
		if *keyPath == "" || *user == "" {
			fmt.Fprintln(os.Stderr, "credentials import requires -key and -user")
			os.Exit(1)
		}

		keyPEM, err := loadKeyPEM(*keyPath)
		if err != nil {
			fatal(err)
		}

		if err := credStore.Save(&credentials.Credentials{
			User:       *user,
			Port:       *port,
			PrivateKey: keyPEM,
		}); err != nil {
			fatal(err)
		}
		fmt.Printf("credentials stored in %s\n", credStore.DataDir())

	case "show":
		creds, err := credStore.Load()
		if err != nil {
			fatal(err)
		}
		signer, err := ssh.ParsePrivateKey(creds.PrivateKey)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("user: %s\nport: %d\nfingerprint: %s\n",
			creds.User, creds.Port, ssh.FingerprintSHA256(signer.PublicKey()))

	case "delete":
		if err := credStore.Delete(); err != nil {
			fatal(err)
		}
		fmt.Println("credentials deleted")

	default:
		fmt.Fprintf(os.Stderr, "unknown credentials subcommand: %s\n", sub)
		os.Exit(1)
	}
}

// loadKeyPEM reads a private key file, prompting for a passphrase when
// the key is encrypted. The stored form is always the decrypted PEM so
// the daemon never has to prompt.
func loadKeyPEM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	_, err = ssh.ParseRawPrivateKey(data)
	if err == nil {
		return data, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse key: %w", err)
	}

	fmt.Fprint(os.Stderr, "Key passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}

	key, err := ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		return nil, fmt.Errorf("re-encode key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}
