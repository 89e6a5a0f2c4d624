package main

import "github.com/relaycore/ai-gateway/cmd"

func main() {
	cmd.Execute()
}
