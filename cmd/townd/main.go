// townd is the Gas Town control-plane daemon: one process per host,
// serving any number of towns, each backed by its own single-writer
// SQLite database.
package main

import "os"

func main() {
	os.Exit(Execute())
}
