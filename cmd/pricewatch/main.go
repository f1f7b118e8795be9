package main

import "mandi-price-engine/internal/cli"

func main() {
	cli.Execute()
}
