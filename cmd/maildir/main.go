// Command maildir queries the mail server directories from the command line.
package main

import (
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openfinch/mail-server/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
