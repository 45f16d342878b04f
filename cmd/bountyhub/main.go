package main

import "github.com/bountyhub/bountyhub/internal/cli"

func main() {
	cli.Execute()
}
