// Command enclave-admin enrolls devices in the SQLite device identifier
// store (C7) from a YAML seed file (-seed), and lists (-list) or revokes
// a single device (-revoke) by flag. It is an operator tool, entirely
// outside the core's boundary.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/devicestore"
)

// SeedFile is the YAML shape accepted by -seed.
type SeedFile struct {
	Devices []SeedDevice `yaml:"devices"`
}

// SeedDevice names one device to enroll: its client ID and hex-encoded
// public key.
type SeedDevice struct {
	ClientID  uint64 `yaml:"client_id"`
	PublicKey string `yaml:"public_key"`
}

func main() {
	dsn := flag.String("dsn", "enclave-devices.db", "SQLite DSN for the device store")
	seedPath := flag.String("seed", "", "YAML seed file to enroll devices from")
	listFlag := flag.Bool("list", false, "list enrolled devices and exit")
	revokeID := flag.Uint64("revoke", 0, "client ID to revoke")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	store, err := devicestore.Open(ctx, *dsn, logger)
	if err != nil {
		logger.Fatal("failed to open device store", zap.Error(err))
	}
	defer store.Close()

	switch {
	case *listFlag:
		runList(ctx, store)
	case *revokeID != 0:
		runRevoke(ctx, store, *revokeID)
	case *seedPath != "":
		runSeed(ctx, store, *seedPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runList(ctx context.Context, store *devicestore.Store) {
	devices, err := store.List(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list devices:", err)
		os.Exit(1)
	}
	for _, d := range devices {
		fmt.Printf("%d\t%s\trevoked=%t\tenrolled=%s\n", d.ClientID, d.Identifier, d.Revoked, d.EnrolledAt.Format("2006-01-02T15:04:05Z07:00"))
	}
}

func runRevoke(ctx context.Context, store *devicestore.Store, clientID uint64) {
	if err := store.Revoke(ctx, clientID); err != nil {
		fmt.Fprintln(os.Stderr, "revoke device:", err)
		os.Exit(1)
	}
	fmt.Printf("revoked device %d\n", clientID)
}

func runSeed(ctx context.Context, store *devicestore.Store, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read seed file:", err)
		os.Exit(1)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		fmt.Fprintln(os.Stderr, "parse seed file:", err)
		os.Exit(1)
	}

	for _, d := range seed.Devices {
		key, err := hex.DecodeString(d.PublicKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "device %d: invalid public key: %v\n", d.ClientID, err)
			continue
		}
		enrolled, err := store.Enroll(ctx, d.ClientID, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "device %d: enroll failed: %v\n", d.ClientID, err)
			continue
		}
		fmt.Printf("enrolled %d -> %s\n", enrolled.ClientID, enrolled.Identifier)
	}
}
