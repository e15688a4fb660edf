// -- main.go --
package main

import "github.com/skylark9/skylark-cli/cmd"

func main() {
	cmd.Execute()
}
