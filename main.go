package main

import "github.com/edgeflare/mqbridge/cmd/mqbridge"

func main() {
	mqbridge.Main()
}
