// This program performs administrative tasks against a running node.
package main

import "github.com/nfl0/tinychain/app/tooling/admin/cmd"

func main() {
	cmd.Execute()
}
