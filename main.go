package main

import "github.com/topiq/topiq/cmd/topiqctl"

func main() {
	topiqctl.Main()
}
