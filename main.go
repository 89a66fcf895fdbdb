package main

import "github.com/sluice-dev/sluice/internal/cli"

func main() {
	cli.Execute()
}
