package main

import "github.com/CristiGvl/thermalctl/cmd"

func main() {
	cmd.Execute()
}
