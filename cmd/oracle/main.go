package main

import "github.com/tutu-network/oracle/internal/cli"

func main() {
	cli.Execute()
}
