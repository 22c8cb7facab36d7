package main

import "github.com/DominicWuest/toolbisect/cmd"

func main() {
	cmd.Execute()
}
