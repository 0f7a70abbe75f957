package main

import "clawboard/cmd/cli"

func main() {
	cli.Execute()
}
