package main

import (
	"github.com/otzgo/keeper"
)

func main() {
	engine := keeper.InitializeEngine()
	engine.Run()
}
