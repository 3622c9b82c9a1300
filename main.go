package main

import "github.com/thegrumpylion/fsgate/cmd"

var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
