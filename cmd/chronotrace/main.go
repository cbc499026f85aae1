package main

import (
	"github.com/PowerDNS/chronotrace/cmd/chronotrace/commands"

	// Register storage backends
	_ "github.com/PowerDNS/chronotrace/storage/blob"
	_ "github.com/PowerDNS/chronotrace/storage/fs"
)

// version is overridden during the build with the go linker
var version = "dev"

func main() {
	commands.SetVersion(version)
	commands.Execute()
}
