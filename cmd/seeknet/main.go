package main

import "github.com/jotraynor/seeknet/internal/cli"

func main() {
	cli.Execute()
}
