package main

import "github.com/x402-foundation/agentpay/internal/cli"

func main() {
	cli.Execute()
}
