package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/keys"
)

func main() {
	format := flag.String("format", "hex", "Output encoding: hex or base64")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)

	seed := make([]byte, keys.MasterKeySize)
	if _, err := rand.Read(seed); err != nil {
		log.WithError(err).Fatal("Failed to read random bytes")
	}
	defer func() {
		for i := range seed {
			seed[i] = 0
		}
	}()

	var out string
	switch *format {
	case "hex":
		out = hex.EncodeToString(seed)
	case "base64":
		out = base64.StdEncoding.EncodeToString(seed)
	default:
		log.Fatalf("Unknown format %q (must be hex or base64)", *format)
	}

	// round-trip so a printed seed is always one the server accepts
	if _, err := keys.ParseMasterKey(out); err != nil {
		log.WithError(err).Fatal("Generated seed failed validation")
	}

	fmt.Println(out)
	log.Info("Set WARDEN_MASTER_KEY to the value above; keep it out of logs and version control")
}
