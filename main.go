package main

import "github.com/gatehouselabs/gatehouse/cmd"

func main() {
	cmd.Execute()
}
