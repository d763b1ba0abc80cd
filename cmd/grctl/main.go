package main

import "graphrunner/cmd/cli"

func main() {
	cli.Execute()
}
