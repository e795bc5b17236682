package main

import "github.com/Manu343726/asmembed/cmd"

func main() {
	cmd.Execute()
}
