package main

import "github.com/kira210402/DepositNFT/cmd/dapp/cmd"

func main() {
	cmd.Execute()
}
