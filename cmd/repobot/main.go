package main

import "github.com/nfrund/repobot/cmd/repobot/cmd"

func main() {
	cmd.Execute()
}
