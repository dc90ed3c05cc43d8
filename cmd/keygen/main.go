// Command keygen derives a 256-bit encryption key from a passphrase and
// prints it hex-encoded, ready for the server's -k flag or the
// encryption_key config field.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/avolkoff/savesync/internal/cryptox"
	"github.com/avolkoff/savesync/internal/shared"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
// In tests you can replace it with a stub to avoid touching the terminal.
var readPassword = term.ReadPassword

func getPassphrase(w io.Writer) ([]byte, error) {
	if _, err := fmt.Fprint(w, "Enter passphrase: "); err != nil {
		return nil, err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

func getSalt(reader *bufio.Reader, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, "Salt (e.g. the deployment name)\n> "); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil && !(err == io.EOF && len(line) > 0) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func run(reader *bufio.Reader, w io.Writer) error {
	passphrase, err := getPassphrase(w)
	if err != nil {
		return err
	}
	if len(passphrase) == 0 {
		return fmt.Errorf("empty passphrase")
	}
	defer shared.WipeByteArray(passphrase)

	salt, err := getSalt(reader, w)
	if err != nil {
		return err
	}
	if salt == "" {
		return fmt.Errorf("empty salt")
	}

	key := cryptox.DeriveKey(passphrase, []byte(salt))
	fmt.Fprintln(w, hex.EncodeToString(key))
	return nil
}

func main() {
	if err := run(bufio.NewReader(os.Stdin), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
