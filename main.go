package main

import "github.com/kozaktomas/reid-catalog/cmd"

func main() {
	cmd.Execute()
}
