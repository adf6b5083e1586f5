package main

import (
	"QFMConsole/cmd"
)

func main() {
	cmd.Execute()
}
