package main

import "github.com/ivrit-ai/crowd-recital/cmd"

func main() {
	cmd.Execute()
}
