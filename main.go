package main

import "github.com/rorre/ObfusFS/cmd"

func main() {
	cmd.Execute()
}
