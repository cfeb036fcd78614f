// pairctl inspects and repairs a pairchat store.
package main

import "github.com/ashureev/pairchat/internal/cli"

func main() {
	cli.Execute()
}
