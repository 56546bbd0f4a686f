package twofactor

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	backupCodeCount = 10
	backupCodeBytes = 5 // 8 base32 characters

	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = 32
)

// generateBackupCodes returns fresh codes formatted as XXXX-XXXX.
func generateBackupCodes(rnd io.Reader) ([]string, error) {
	codes := make([]string, backupCodeCount)
	buf := make([]byte, backupCodeBytes)
	for i := range codes {
		if _, err := io.ReadFull(rnd, buf); err != nil {
			return nil, fmt.Errorf("twofactor: generate backup code: %w", err)
		}
		enc := base32.StdEncoding.EncodeToString(buf)
		codes[i] = enc[:4] + "-" + enc[4:]
	}
	return codes, nil
}

// normalizeCode strips separators and whitespace users tend to type.
func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func isBackupCodeFormat(code string) bool {
	if len(code) != 8 {
		return false
	}
	_, err := base32.StdEncoding.DecodeString(code)
	return err == nil
}

func isTOTPFormat(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// hashBackupCode derives the stored form of a code. The salt is fixed per
// user so a presented code can be looked up by its hash.
func hashBackupCode(userID, code string) string {
	salt := sha256.Sum256([]byte("warden/2fa/backup/" + userID))
	sum := argon2.IDKey([]byte(normalizeCode(code)), salt[:], argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(sum)
}

func hashBackupCodes(userID string, codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = hashBackupCode(userID, c)
	}
	return out
}
