package main

import (
	dotenv "github.com/joho/godotenv"

	"github.com/jmcleod/uiagate/cmd/uiagate/cmd"
)

func main() {
	_ = dotenv.Load()
	cmd.Execute()
}
