package main

import "github.com/jvs-project/txfs/internal/cli"

func main() {
	cli.Execute()
}
