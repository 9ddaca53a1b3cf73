package main

import "github.com/zebbra/counter-service/cmd"

func main() {
	cmd.Execute()
}
