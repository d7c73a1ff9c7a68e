package main

import "github.com/Tumik1234/bot-ai/cmd"

func main() {
	cmd.Execute()
}
