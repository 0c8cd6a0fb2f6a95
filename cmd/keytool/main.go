package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/SaltBlocks/gumarket/params"
	"github.com/SaltBlocks/gumarket/pkg/crypto"
	"github.com/SaltBlocks/gumarket/pkg/util"
	"github.com/SaltBlocks/gumarket/pkg/wallet"
)

const usage = `keytool manages encrypted wallet files.

Usage:
  keytool generate            create a new key and wallet file
  keytool import <hex-key>    encrypt an existing private key
  keytool list                list wallet files and their addresses
  keytool passwd <address>    change a wallet file's password
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	cfg := params.LoadFromEnv("")
	logger, err := util.NewLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	store := wallet.NewStore(cfg.Vault, logger)

	switch os.Args[1] {
	case "generate":
		runGenerate(store)
	case "import":
		if len(os.Args) < 3 {
			fmt.Print(usage)
			os.Exit(1)
		}
		runImport(store, os.Args[2])
	case "list":
		runList(store)
	case "passwd":
		if len(os.Args) < 3 {
			fmt.Print(usage)
			os.Exit(1)
		}
		runPasswd(store, os.Args[2])
	default:
		fmt.Print(usage)
		os.Exit(1)
	}
}

func runGenerate(store *wallet.Store) {
	password := promptNewPassword()
	session, w, err := store.Generate(password)
	crypto.Zeroize(password)
	if err != nil {
		log.Fatalf("generate: %v", err)
	}
	defer session.Lock()

	fmt.Printf("Address: %s\n", session.Address().Hex())
	fmt.Printf("Wallet file: %s\n", store.Path(w.Address))
}

func runImport(store *wallet.Store, hexKey string) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		log.Fatalf("import: key is not valid hex: %v", err)
	}
	password := promptNewPassword()
	w, err := store.ImportRaw(raw, password)
	crypto.Zeroize(raw)
	crypto.Zeroize(password)
	if err != nil {
		log.Fatalf("import: %v", err)
	}
	fmt.Printf("Address: %s\n", w.Address)
	fmt.Printf("Wallet file: %s\n", store.Path(w.Address))
}

func runList(store *wallet.Store) {
	infos, err := store.List()
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	if len(infos) == 0 {
		fmt.Println("No wallet files found.")
		return
	}
	for _, info := range infos {
		fmt.Printf("%s  %s\n", info.Address, info.Path)
	}
}

func runPasswd(store *wallet.Store, address string) {
	path, err := findWallet(store, address)
	if err != nil {
		log.Fatalf("passwd: %v", err)
	}
	oldPassword := promptPassword("Current password: ")
	newPassword := promptNewPassword()
	err = store.Reencrypt(path, oldPassword, newPassword)
	crypto.Zeroize(oldPassword)
	crypto.Zeroize(newPassword)
	if err != nil {
		log.Fatalf("passwd: %v", err)
	}
	fmt.Println("Password changed.")
}

func findWallet(store *wallet.Store, address string) (string, error) {
	infos, err := store.List()
	if err != nil {
		return "", err
	}
	for _, info := range infos {
		if strings.EqualFold(info.Address, address) {
			return info.Path, nil
		}
	}
	return "", fmt.Errorf("no wallet file for address %s", address)
}

func promptPassword(prompt string) []byte {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		log.Fatalf("read password: %v", err)
	}
	return password
}

func promptNewPassword() []byte {
	password := promptPassword("New password: ")
	confirm := promptPassword("Confirm password: ")
	match := string(password) == string(confirm)
	crypto.Zeroize(confirm)
	if !match {
		log.Fatal("passwords do not match")
	}
	return password
}
