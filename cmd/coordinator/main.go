package main

import "github.com/ramiqadoumi/go-block-flow/services/coordinator/cli"

func main() {
	cli.Execute()
}
