package main

import "github.com/dgnsrekt/tabtrace/internal/cli"

func main() {
	cli.Execute()
}
