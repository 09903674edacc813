package main

import "homeservice/cmd/cli"

func main() {
	cli.Execute()
}
