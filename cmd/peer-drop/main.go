package main

import "github.com/rudransh-shrivastava/peer-drop/internal/client/cmd"

func main() {
	cmd.Execute()
}
